package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/hashicorp/go-plugin"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// PluginName is the name the connector is dispensed under
const PluginName = "ingester"

// Handshake is shared by the host and the plugin binary
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "DSTREAM_PLUGIN",
	MagicCookieValue: "dstream-ingester",
}

// Serve runs impl as a go-plugin net/rpc server until the host kills the process
func Serve(impl Connector) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         plugin.PluginSet{PluginName: &ConnectorPlugin{Impl: impl}},
		Logger:          GetLogger(),
	})
}

// ConnectorPlugin is the go-plugin glue for a Connector. Impl is only set on the plugin side.
type ConnectorPlugin struct {
	Impl Connector
}

func (p *ConnectorPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (*ConnectorPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// WireError carries a pipeline error across the process boundary, keeping its category and code
type WireError struct {
	Category string
	Code     string
	Table    string
	Message  string
}

func toWire(err error) *WireError {
	if err == nil {
		return nil
	}
	var ce *cerrors.CaptureError
	if errors.As(err, &ce) {
		msg := ce.Message
		if ce.Cause != nil {
			msg += ": " + ce.Cause.Error()
		}
		return &WireError{Category: string(ce.Category), Code: ce.Code, Table: ce.Table, Message: msg}
	}
	return &WireError{Category: string(cerrors.ErrCategoryInternal), Code: cerrors.CodeUnexpected, Message: err.Error()}
}

func fromWire(w *WireError) error {
	if w == nil {
		return nil
	}
	return cerrors.New(cerrors.ErrorCategory(w.Category), w.Code, w.Message).WithTable(w.Table)
}

type wireEvent struct {
	cdc.ChangeEvent
	Offset json.RawMessage `json:"offset"`
}

type wireBatch struct {
	Events []wireEvent  `json:"events"`
	Offset *cdc.Offset  `json:"offset,omitempty"`
	Errors []*WireError `json:"errors,omitempty"`
}

func encodeBatch(b *cdc.Batch) ([]byte, error) {
	wb := wireBatch{Events: make([]wireEvent, len(b.Events)), Offset: b.Offset}
	for i, e := range b.Events {
		off, err := cdc.EncodeOffset(e.Offset)
		if err != nil {
			return nil, err
		}
		wb.Events[i] = wireEvent{ChangeEvent: e, Offset: off}
	}
	for _, err := range b.Errors {
		wb.Errors = append(wb.Errors, toWire(err))
	}
	return json.Marshal(wb)
}

// decodeBatch keeps row values as json.Number so large integers survive
func decodeBatch(data []byte) (*cdc.Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var wb wireBatch
	if err := dec.Decode(&wb); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}

	b := &cdc.Batch{Events: make([]cdc.ChangeEvent, len(wb.Events))}
	for i, we := range wb.Events {
		off, err := cdc.DecodeOffset(we.Offset)
		if err != nil {
			return nil, err
		}
		b.Events[i] = we.ChangeEvent
		b.Events[i].Offset = *off
	}
	if wb.Offset != nil {
		raw, err := cdc.EncodeOffset(*wb.Offset)
		if err != nil {
			return nil, err
		}
		if b.Offset, err = cdc.DecodeOffset(raw); err != nil {
			return nil, err
		}
	}
	for _, w := range wb.Errors {
		b.Errors = append(b.Errors, fromWire(w))
	}
	return b, nil
}

type StartArgs struct{ Config []byte }

type CommitArgs struct{ Offset []byte }

type OverrideArgs struct{ DDL string }

// Reply is the answer to every call. Data holds the JSON result, if any.
type Reply struct {
	Data []byte
	Err  *WireError
}

// RPCServer runs in the plugin process
type RPCServer struct {
	Impl Connector
}

func (s *RPCServer) Start(args StartArgs, reply *Reply) error {
	cfg := &structpb.Struct{}
	if err := protojson.Unmarshal(args.Config, cfg); err != nil {
		reply.Err = toWire(cerrors.NewConfigError(cerrors.CodeInvalidOption, "config is not a valid struct: "+err.Error()))
		return nil
	}
	reply.Err = toWire(s.Impl.Start(context.Background(), cfg))
	return nil
}

func (s *RPCServer) Poll(_ interface{}, reply *Reply) error {
	batch, err := s.Impl.Poll(context.Background())
	if err != nil {
		reply.Err = toWire(err)
		return nil
	}
	reply.Data, err = encodeBatch(batch)
	return err
}

func (s *RPCServer) Commit(args CommitArgs, reply *Reply) error {
	off, err := cdc.DecodeOffset(args.Offset)
	if err != nil {
		return err
	}
	reply.Err = toWire(s.Impl.Commit(context.Background(), *off))
	return nil
}

func (s *RPCServer) Stop(_ interface{}, reply *Reply) error {
	reply.Err = toWire(s.Impl.Stop())
	return nil
}

func (s *RPCServer) GetSchema(_ interface{}, reply *Reply) error {
	fields, err := s.Impl.GetSchema(context.Background())
	if err != nil {
		reply.Err = toWire(err)
		return nil
	}
	reply.Data, err = json.Marshal(fields)
	return err
}

func (s *RPCServer) OverrideSchema(args OverrideArgs, reply *Reply) error {
	ts, err := s.Impl.OverrideSchema(context.Background(), args.DDL)
	if err != nil {
		reply.Err = toWire(err)
		return nil
	}
	reply.Data, err = json.Marshal(ts)
	return err
}

// RPCClient is the host side of the connection
type RPCClient struct {
	client *rpc.Client

	mu sync.Mutex
	// polling is a Poll the host stopped waiting for. The plugin still builds that
	// batch, so the next Poll returns it instead of asking for another one.
	polling *rpc.Call
}

var _ Connector = (*RPCClient)(nil)

func (c *RPCClient) send(method string, args interface{}) *rpc.Call {
	return c.client.Go("Plugin."+method, args, &Reply{}, make(chan *rpc.Call, 1))
}

func result(call *rpc.Call) (*Reply, error) {
	if call.Error != nil {
		return nil, fmt.Errorf("plugin call %s failed: %w", call.ServiceMethod, call.Error)
	}
	reply := call.Reply.(*Reply)
	return reply, fromWire(reply.Err)
}

// call gives up waiting when ctx is done; the plugin finishes the call on its own
func (c *RPCClient) call(ctx context.Context, method string, args interface{}) (*Reply, error) {
	call := c.send(method, args)
	select {
	case <-call.Done:
		return result(call)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RPCClient) Start(ctx context.Context, cfg *structpb.Struct) error {
	data, err := protojson.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = c.call(ctx, "Start", StartArgs{Config: data})
	return err
}

func (c *RPCClient) Poll(ctx context.Context) (*cdc.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.polling == nil {
		c.polling = c.send("Poll", new(interface{}))
	}
	select {
	case <-c.polling.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	call := c.polling
	c.polling = nil

	reply, err := result(call)
	if err != nil {
		return nil, err
	}
	return decodeBatch(reply.Data)
}

func (c *RPCClient) Commit(ctx context.Context, off cdc.Offset) error {
	data, err := cdc.EncodeOffset(off)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "Commit", CommitArgs{Offset: data})
	return err
}

func (c *RPCClient) Stop() error {
	_, err := c.call(context.Background(), "Stop", new(interface{}))
	return err
}

func (c *RPCClient) GetSchema(ctx context.Context) ([]*FieldSchema, error) {
	reply, err := c.call(ctx, "GetSchema", new(interface{}))
	if err != nil {
		return nil, err
	}
	var fields []*FieldSchema
	if err := json.Unmarshal(reply.Data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	return fields, nil
}

func (c *RPCClient) OverrideSchema(ctx context.Context, ddl string) (*schema.TableSchema, error) {
	reply, err := c.call(ctx, "OverrideSchema", OverrideArgs{DDL: ddl})
	if err != nil {
		return nil, err
	}
	var ts schema.TableSchema
	if err := json.Unmarshal(reply.Data, &ts); err != nil {
		return nil, fmt.Errorf("failed to decode table schema: %w", err)
	}
	return &ts, nil
}
