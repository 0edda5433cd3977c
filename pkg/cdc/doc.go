// Package cdc provides the public types and interfaces of the change capture pipeline.
//
// Raw changes enter the pipeline from a LogTailer (or from the snapshot reader) as
// RawRowChange and DDLStatement values wrapped in a Record. They leave it as ChangeEvent
// values carrying the Offset a host commits once the event has been delivered.
//
// Key Components:
//   - LogTailer: pull iterator over a database change log
//   - OffsetStore: durable storage for the last committed Offset
//   - ChangePublisher: publishes delivered change events downstream
//   - ChangeEvent: a single emitted change, tombstone or schema change
package cdc
