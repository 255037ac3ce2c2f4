package client

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-ista/internal/fit"
)

// ErrSchemaMismatch is returned by WriteStream when records differ in schema.
var ErrSchemaMismatch = errors.New("client: records do not share a schema")

var (
	coefficientFields = []arrow.Field{
		{Name: "index", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	}

	historySchema = arrow.NewSchema(
		[]arrow.Field{
			{Name: "iteration", Type: arrow.PrimitiveTypes.Int64},
			{Name: "lipschitz", Type: arrow.PrimitiveTypes.Float64},
			{Name: "objective", Type: arrow.PrimitiveTypes.Float64},
			{Name: "nnz", Type: arrow.PrimitiveTypes.Int64},
			{Name: "backtracks", Type: arrow.PrimitiveTypes.Int64},
		},
		nil,
	)
)

// RecordBatchBuilder creates Arrow RecordBatches from fit results.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildCoefficients converts β into an (index, value) RecordBatch. meta is
// attached to the schema (fingerprint, lambda, precision, ...).
// An empty β yields a nil record.
func (b *RecordBatchBuilder) BuildCoefficients(beta []float64, meta map[string]string) (arrow.RecordBatch, error) {
	if len(beta) == 0 {
		return nil, nil
	}

	var md *arrow.Metadata
	if len(meta) > 0 {
		m := arrow.MetadataFrom(meta)
		md = &m
	}
	schema := arrow.NewSchema(coefficientFields, md)

	idx := array.NewInt64Builder(b.mem)
	defer idx.Release()
	val := array.NewFloat64Builder(b.mem)
	defer val.Release()

	idx.Reserve(len(beta))
	for i := range beta {
		idx.UnsafeAppend(int64(i))
	}
	val.AppendValues(beta, nil)

	cols := []arrow.Array{idx.NewArray(), val.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecordBatch(schema, cols, int64(len(beta))), nil
}

// BuildHistory converts the per-iteration trace of a fit into a RecordBatch.
func (b *RecordBatchBuilder) BuildHistory(history []fit.Iteration) (arrow.RecordBatch, error) {
	if len(history) == 0 {
		return nil, nil
	}

	iter := array.NewInt64Builder(b.mem)
	defer iter.Release()
	lip := array.NewFloat64Builder(b.mem)
	defer lip.Release()
	obj := array.NewFloat64Builder(b.mem)
	defer obj.Release()
	nnz := array.NewInt64Builder(b.mem)
	defer nnz.Release()
	bt := array.NewInt64Builder(b.mem)
	defer bt.Release()

	for _, h := range history {
		iter.Append(int64(h.Iteration))
		lip.Append(h.Lipschitz)
		obj.Append(h.Objective)
		nnz.Append(int64(h.NonZero))
		bt.Append(int64(h.Backtracks))
	}

	cols := []arrow.Array{iter.NewArray(), lip.NewArray(), obj.NewArray(), nnz.NewArray(), bt.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(historySchema, cols, int64(len(history))), nil
}

// WriteStream writes recs as one Arrow IPC stream. All records must share
// the schema of the first.
func WriteStream(w io.Writer, recs ...arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	schema := recs[0].Schema()
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for i, rec := range recs {
		if !rec.Schema().Equal(schema) {
			_ = writer.Close()
			return fmt.Errorf("%w: record %d", ErrSchemaMismatch, i)
		}
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}
