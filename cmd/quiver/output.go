package main

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// embeddingSchema is { "sequence": int64, "tokens": int32,
// "embedding": fixed_size_list<float32>[dim] }.
func embeddingSchema(dim int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "sequence", Type: arrow.PrimitiveTypes.Int64},
			{Name: "tokens", Type: arrow.PrimitiveTypes.Int32},
			{Name: "embedding", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)
}

// buildRecord packs one pooled vector per sequence into a record batch.
func buildRecord(vectors *tensor.Tensor2, lengths []int) arrow.RecordBatch {
	pool := memory.NewGoAllocator()
	dim := vectors.Cols

	seqBuilder := array.NewInt64Builder(pool)
	defer seqBuilder.Release()
	tokBuilder := array.NewInt32Builder(pool)
	defer tokBuilder.Release()
	embedBuilder := array.NewFixedSizeListBuilder(pool, int32(dim), arrow.PrimitiveTypes.Float32)
	defer embedBuilder.Release()
	floatBuilder := embedBuilder.ValueBuilder().(*array.Float32Builder)

	for i := 0; i < vectors.Rows; i++ {
		seqBuilder.Append(int64(i))
		tokBuilder.Append(int32(lengths[i]))
		embedBuilder.Append(true)
		floatBuilder.AppendValues(vectors.Row(i), nil)
	}

	seqArr := seqBuilder.NewArray()
	defer seqArr.Release()
	tokArr := tokBuilder.NewArray()
	defer tokArr.Release()
	embedArr := embedBuilder.NewArray()
	defer embedArr.Release()

	return array.NewRecordBatch(embeddingSchema(dim), []arrow.Array{seqArr, tokArr, embedArr}, int64(vectors.Rows))
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
