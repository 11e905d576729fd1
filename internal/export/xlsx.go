package export

import (
	"context"
	"fmt"
	"time"

	"farmsense-ingest/internal/models"

	"github.com/xuri/excelize/v2"
)

// RollupSource 租户隔离的汇总查询入口
// 导出只能经过它取数，隔离不因导出形态而松动
type RollupSource interface {
	QueryRollups(ctx context.Context, tenantID string, filter models.RollupFilter) ([]models.Rollup, error)
}

// RollupExportHeader 汇总导出表头
var RollupExportHeader = []string{
	"Device ID",
	"Metric",
	"Bucket Start (UTC)",
	"Min",
	"Max",
	"Avg",
	"Samples",
}

// Exporter 汇总数据 Excel 导出器（面向报表协作方）
type Exporter struct {
	rollups RollupSource
}

// NewExporter 创建导出器
func NewExporter(rollups RollupSource) *Exporter {
	return &Exporter{rollups: rollups}
}

// ExportRollups 以租户身份导出时间范围内的汇总数据为 Excel 文件
func (e *Exporter) ExportRollups(ctx context.Context, tenantID string, filter models.RollupFilter) ([]byte, error) {
	rollups, err := e.rollups.QueryRollups(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups for export: %w", err)
	}

	return generateRollupExcel(rollups)
}

// generateRollupExcel 生成汇总 Excel 文件
func generateRollupExcel(rollups []models.Rollup) ([]byte, error) {
	f := excelize.NewFile()
	// 注意：这里不能 defer Close()，WriteToBuffer 需要文件保持打开

	sheetName := "Rollups"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	// 删除默认的 Sheet1
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	// 表头样式
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range RollupExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for i, rollup := range rollups {
		row := i + 2
		values := []interface{}{
			rollup.DeviceID,
			rollup.Metric,
			rollup.BucketStart.UTC().Format(time.RFC3339),
			rollup.MinValue,
			rollup.MaxValue,
			rollup.AvgValue,
			rollup.SampleCount,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write excel buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close excel file: %w", err)
	}

	return buf.Bytes(), nil
}
