// Package report builds the offline classification report: it scans ZIP
// studies for DICOM identifiers, runs each through the classifier endpoint
// and writes a tabular XLSX summary.
package report

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/xuri/excelize/v2"

	"neuroview/internal/ml"
)

// Status marks whether a study was classified successfully.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

// maxScannedEntries caps how many archive members are inspected for DICOM
// identifiers before giving up on a study.
const maxScannedEntries = 25

// Row is one study's report line.
type Row struct {
	PathToStudy            string
	StudyUID               string
	SeriesUID              string
	ProbabilityOfPathology *float64
	Pathology              *int
	ProcessingStatus       Status
	TimeOfProcessing       *float64
	ErrorMessage           string
}

// CollectTargets resolves path to the list of ZIP studies to classify:
// either the single file itself or every .zip directly inside a directory.
func CollectTargets(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(path), ".zip") {
			return nil, fmt.Errorf("expected a ZIP archive with DICOM files: %s", path)
		}
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", path, err)
	}
	var targets []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".zip") {
			targets = append(targets, filepath.Join(path, entry.Name()))
		}
	}
	return targets, nil
}

// ClassifyStudy runs one ZIP study through the classifier and returns its
// report line. Failures are recorded in the row, never returned: one broken
// study must not abort the batch.
func ClassifyStudy(ctx context.Context, gateway ml.Gateway, path string) Row {
	row := Row{
		PathToStudy:      mustAbs(path),
		ProcessingStatus: StatusFailure,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		row.ErrorMessage = fmt.Sprintf("read file: %v", err)
		return row
	}

	row.StudyUID, row.SeriesUID = ExtractStudyUIDs(data)

	start := time.Now()
	result, err := gateway.ClassifyDicom(ctx, data, filepath.Base(path))
	elapsed := round3(time.Since(start).Seconds())
	row.TimeOfProcessing = &elapsed

	if err != nil {
		row.ErrorMessage = err.Error()
		return row
	}

	payload := result
	if nested, ok := result["data"].(map[string]interface{}); ok {
		payload = nested
	}
	row.ProbabilityOfPathology = ParseProbability(payload["max_pathology_probability"])
	row.Pathology = ParsePrediction(payload["prediction"])
	row.ProcessingStatus = StatusSuccess
	return row
}

// ExtractStudyUIDs scans up to maxScannedEntries archive members for the
// StudyInstanceUID and SeriesInstanceUID tags. Returns empty strings when
// nothing parseable is found.
func ExtractStudyUIDs(zipData []byte) (studyUID, seriesUID string) {
	reader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return "", ""
	}

	files := make([]*zip.File, 0, len(reader.File))
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX") {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	for i, f := range files {
		if i >= maxScannedEntries {
			break
		}
		data, err := readZipFile(f)
		if err != nil || len(data) == 0 {
			continue
		}
		ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
		if err != nil {
			continue
		}
		study := stringTag(&ds, tag.StudyInstanceUID)
		series := stringTag(&ds, tag.SeriesInstanceUID)
		if study != "" || series != "" {
			return study, series
		}
	}
	return "", ""
}

// ParseProbability interprets the classifier's probability field. Numbers
// pass through; strings (optionally percent-suffixed) are divided by 100,
// matching the classifier's "87.5%" formatting.
func ParseProbability(v interface{}) *float64 {
	switch val := v.(type) {
	case float64:
		return &val
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(val, "%"), 64)
		if err != nil {
			return nil
		}
		parsed /= 100
		return &parsed
	default:
		return nil
	}
}

// ParsePrediction interprets the classifier's predicted class field.
func ParsePrediction(v interface{}) *int {
	switch val := v.(type) {
	case float64:
		n := int(val)
		return &n
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

var columns = []string{
	"path_to_study",
	"study_uid",
	"series_uid",
	"probability_of_pathology",
	"pathology",
	"processing_status",
	"time_of_processing",
	"error_message",
}

// WriteXLSX writes the report rows into a single worksheet at path.
func WriteXLSX(rows []Row, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "classification"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]interface{}, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, row := range rows {
		cells := []interface{}{
			row.PathToStudy,
			row.StudyUID,
			row.SeriesUID,
			deref(row.ProbabilityOfPathology),
			deref(row.Pathology),
			string(row.ProcessingStatus),
			deref(row.TimeOfProcessing),
			row.ErrorMessage,
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	f.SetColWidth(sheet, "A", "A", 50)
	f.SetColWidth(sheet, "B", "C", 32)
	f.SetColWidth(sheet, "D", "H", 20)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func stringTag(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func deref[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
