package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "neuroview/internal/errors"
)

const (
	// DefaultTimeout reflects multi-minute inference runs on large studies.
	DefaultTimeout     = 5 * time.Minute
	healthCheckTimeout = 5 * time.Second

	// upstream error payloads are propagated verbatim, but bounded
	maxErrorDetailBytes = 8 << 10
)

// Config carries the gateway endpoints. AnalyzeURL and ClassifyURL are
// optional overrides; everything else derives from BaseURL.
type Config struct {
	BaseURL     string
	AnalyzeURL  string
	ClassifyURL string
	Timeout     time.Duration
}

// Gateway is the outbound contract against the inference service.
type Gateway interface {
	PredictNifti(ctx context.Context, data []byte, filename string) (Result, error)
	PredictZip(ctx context.Context, data []byte, filename string) (Result, error)
	ClassifyDicom(ctx context.Context, data []byte, filename string) (Result, error)
	Analyze(ctx context.Context, prompt string, data []byte, filename string) (Result, error)
	GetSlice(ctx context.Context, patientID string, volumeType VolumeType, sliceIndex int) (Result, error)
	GetVolumeMeta(ctx context.Context, patientID string, volumeType VolumeType) (Result, error)
	GetOrthogonalSlices(ctx context.Context, patientID string, params OrthoParams) (Result, error)
	Health(ctx context.Context) (Result, error)
}

// Client talks HTTP to the inference service. It is stateless and safe for
// concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

var _ Gateway = (*Client)(nil)

// NewClient creates a gateway client. A nil logger disables logging.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// PredictNifti runs segmentation on a NIfTI volume.
func (c *Client) PredictNifti(ctx context.Context, data []byte, filename string) (Result, error) {
	if !IsNiftiFilename(filename) {
		return nil, apperrors.NewHTTPError(http.StatusBadRequest,
			"only NIfTI files are supported (.nii, .nii.gz)", "VALIDATION_ERROR")
	}
	return c.postFile(ctx, "predict_nifti", c.cfg.BaseURL+"/predict", "", data, filename)
}

// PredictZip runs segmentation on a ZIP archive of DICOM series.
func (c *Client) PredictZip(ctx context.Context, data []byte, filename string) (Result, error) {
	if !IsZipFilename(filename) {
		return nil, apperrors.NewHTTPError(http.StatusBadRequest,
			"only ZIP archives with DICOM files are supported", "VALIDATION_ERROR")
	}
	return c.postFile(ctx, "predict_zip", c.cfg.BaseURL+"/predict_zip", "", data, filename)
}

// ClassifyDicom runs the pathology classifier over a DICOM file or bundle.
func (c *Client) ClassifyDicom(ctx context.Context, data []byte, filename string) (Result, error) {
	if !IsDicomFilename(filename) {
		return nil, apperrors.NewHTTPError(http.StatusBadRequest,
			"only .dcm files or ZIP archives are supported", "VALIDATION_ERROR")
	}
	endpoint := c.cfg.ClassifyURL
	if endpoint == "" {
		endpoint = c.cfg.BaseURL + "/classify_dicom"
	}
	return c.postFile(ctx, "classify_dicom", endpoint, "", data, filename)
}

// Analyze posts a free-text prompt, optionally with an attached file, to
// the dedicated analyze endpoint.
func (c *Client) Analyze(ctx context.Context, prompt string, data []byte, filename string) (Result, error) {
	if prompt == "" {
		return nil, apperrors.NewHTTPError(http.StatusBadRequest,
			"prompt is required", "VALIDATION_ERROR")
	}
	if c.cfg.AnalyzeURL == "" {
		return nil, apperrors.ErrAnalyzeNotConfigured
	}
	return c.postFile(ctx, "analyze", c.cfg.AnalyzeURL, prompt, data, filename)
}

// GetSlice fetches one encoded 2-D slice of a processed volume.
func (c *Client) GetSlice(ctx context.Context, patientID string, volumeType VolumeType, sliceIndex int) (Result, error) {
	endpoint := fmt.Sprintf("%s/slice/%s/%s/%d",
		c.cfg.BaseURL, url.PathEscape(patientID), volumeType, sliceIndex)
	return c.getVolume(ctx, "get_slice", endpoint)
}

// GetVolumeMeta fetches shape, spacing, affine and intensity metadata.
func (c *Client) GetVolumeMeta(ctx context.Context, patientID string, volumeType VolumeType) (Result, error) {
	endpoint := fmt.Sprintf("%s/volume/%s/meta?volume_type=%s",
		c.cfg.BaseURL, url.PathEscape(patientID), volumeType)
	return c.getVolume(ctx, "get_volume_meta", endpoint)
}

// GetOrthogonalSlices fetches the sagittal, coronal and axial cross-sections
// through the given voxel coordinate.
func (c *Client) GetOrthogonalSlices(ctx context.Context, patientID string, params OrthoParams) (Result, error) {
	if err := params.Validate(); err != nil {
		return nil, apperrors.NewHTTPError(http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	}

	q := url.Values{}
	q.Set("i", strconv.Itoa(params.I))
	q.Set("j", strconv.Itoa(params.J))
	q.Set("k", strconv.Itoa(params.K))
	q.Set("modality", params.Modality)
	if params.Overlay != "" {
		q.Set("overlay", params.Overlay)
	}
	setFloat(q, "alpha", params.Alpha)
	setFloat(q, "window_level", params.WindowLevel)
	setFloat(q, "window_width", params.WindowWidth)
	setFloat(q, "scale", params.Scale)

	endpoint := fmt.Sprintf("%s/orthoslices/%s?%s",
		c.cfg.BaseURL, url.PathEscape(patientID), q.Encode())
	return c.getVolume(ctx, "get_orthogonal_slices", endpoint)
}

// Health probes the inference service root with a short fixed timeout.
func (c *Client) Health(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}
	return c.do(req, "health")
}

func setFloat(q url.Values, key string, v *float64) {
	if v != nil {
		q.Set(key, strconv.FormatFloat(*v, 'f', -1, 64))
	}
}

func (c *Client) postFile(ctx context.Context, op, endpoint, prompt string, data []byte, filename string) (Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if prompt != "" {
		if err := writer.WriteField("prompt", prompt); err != nil {
			return nil, fmt.Errorf("write prompt field: %w", err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, fmt.Errorf("write form file: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.Info("ml request",
		zap.String("op", op),
		zap.String("filename", filename),
		zap.Int("bytes", len(data)),
	)

	result, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	if detail, ok := result.ErrorDetail(); ok {
		return nil, &apperrors.UpstreamError{StatusCode: http.StatusOK, Detail: detail}
	}
	return result, nil
}

// getVolume performs a volume read. The upstream reports missing
// patients, volumes and out-of-range indices either as a 404 status or as
// an "error" field in a 200 body; both become ErrNotFound.
func (c *Client) getVolume(ctx context.Context, op, endpoint string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}

	result, err := c.do(req, op)
	if err != nil {
		var upstream *apperrors.UpstreamError
		if errors.As(err, &upstream) && upstream.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, upstream.Detail)
		}
		return nil, err
	}
	if detail, ok := result.ErrorDetail(); ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, detail)
	}
	return result, nil
}

func (c *Client) do(req *http.Request, op string) (Result, error) {
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("ml request failed",
			zap.String("op", op),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("ml service request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read ml response: %w", err)
	}

	c.logger.Info("ml response",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(payload)),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apperrors.UpstreamError{
			StatusCode: resp.StatusCode,
			Detail:     truncate(string(payload), maxErrorDetailBytes),
		}
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode ml response: %w", err)
	}
	return result, nil
}

// maxResponseBytes bounds decoded upstream payloads; base64-encoded slices
// of a full-resolution volume stay well under this.
const maxResponseBytes = 256 << 20

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
