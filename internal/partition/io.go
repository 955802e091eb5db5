package partition

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"histflow/models"
)

// Write persists rows to a new partition file at path. The data is
// written to a temporary sibling first and renamed into place, so a
// reader never observes a half-written partition.
func Write[T models.Record](path string, rows []T) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.New().String())

	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("failed to create partition file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(T), 4)
	if err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			fw.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close partition file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move partition into place: %w", err)
	}
	return nil
}

// Read loads every row of the partition file at path.
func Read[T models.Record](path string) ([]T, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(T), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]T, pr.GetNumRows())
	if len(rows) == 0 {
		return nil, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("failed to read parquet records: %w", err)
	}
	return rows, nil
}
