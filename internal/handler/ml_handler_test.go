package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"neuroview/internal/auth"
	apperrors "neuroview/internal/errors"
	"neuroview/internal/ml"
	"neuroview/internal/model"
)

// MockGateway is a mock implementation of ml.Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) PredictNifti(ctx context.Context, data []byte, filename string) (ml.Result, error) {
	args := m.Called(ctx, data, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ml.Result), args.Error(1)
}

func (m *MockGateway) PredictZip(ctx context.Context, data []byte, filename string) (ml.Result, error) {
	args := m.Called(ctx, data, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ml.Result), args.Error(1)
}

func (m *MockGateway) ClassifyDicom(ctx context.Context, data []byte, filename string) (ml.Result, error) {
	args := m.Called(ctx, data, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ml.Result), args.Error(1)
}

func (m *MockGateway) Analyze(ctx context.Context, prompt string, data []byte, filename string) (ml.Result, error) {
	args := m.Called(ctx, prompt, data, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ml.Result), args.Error(1)
}

func (m *MockGateway) GetSlice(ctx context.Context, patientID string, volumeType ml.VolumeType, sliceIndex int) (ml.Result, error) {
	args := m.Called(ctx, patientID, volumeType, sliceIndex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ml.Result), args.Error(1)
}

func (m *MockGateway) GetVolumeMeta(ctx context.Context, patientID string, volumeType ml.VolumeType) (ml.Result, error) {
	args := m.Called(ctx, patientID, volumeType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ml.Result), args.Error(1)
}

func (m *MockGateway) GetOrthogonalSlices(ctx context.Context, patientID string, params ml.OrthoParams) (ml.Result, error) {
	args := m.Called(ctx, patientID, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ml.Result), args.Error(1)
}

func (m *MockGateway) Health(ctx context.Context) (ml.Result, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ml.Result), args.Error(1)
}

// MockAnalysisService is a mock implementation of service.AnalysisService.
type MockAnalysisService struct {
	mock.Mock
}

func (m *MockAnalysisService) CreateFromResult(ctx context.Context, userID uint, analysisType model.AnalysisType, filename string, result ml.Result) (*model.Analysis, error) {
	args := m.Called(ctx, userID, analysisType, filename, result)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Analysis), args.Error(1)
}

func (m *MockAnalysisService) ListByUser(ctx context.Context, userID uint) ([]model.Analysis, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Analysis), args.Error(1)
}

func (m *MockAnalysisService) GetByID(ctx context.Context, userID, id uint) (*model.Analysis, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Analysis), args.Error(1)
}

func (m *MockAnalysisService) OwnsPatient(ctx context.Context, userID uint, patientID string) (bool, error) {
	args := m.Called(ctx, userID, patientID)
	return args.Bool(0), args.Error(1)
}

func newAuthedContext(e *echo.Echo, req *http.Request) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user", &auth.Claims{UserID: 1, Email: "user@example.com"})
	return c, rec
}

func multipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	assert.NoError(t, err)
	_, err = part.Write(content)
	assert.NoError(t, err)
	assert.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestMLHandler_PredictNifti(t *testing.T) {
	e := echo.New()
	gateway := new(MockGateway)
	analyses := new(MockAnalysisService)
	h := NewMLHandler(gateway, analyses, nil, nil)

	result := ml.Result{"prediction": "Tumor", "has_tumor": true, "patient_id": "P1"}
	gateway.On("PredictNifti", mock.Anything, []byte("nifti-bytes"), "scan.nii").Return(result, nil)
	analyses.On("CreateFromResult", mock.Anything, uint(1), model.AnalysisTypeNifti, "scan.nii", result).
		Return(&model.Analysis{ID: 77, UserID: 1}, nil)

	body, contentType := multipartUpload(t, "scan.nii", []byte("nifti-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/ml/predict/nifti", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	c, rec := newAuthedContext(e, req)

	assert.NoError(t, h.PredictNifti(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "scan.nii", resp["filename"])
	assert.Equal(t, float64(77), resp["analysisId"])

	gateway.AssertExpectations(t)
	analyses.AssertExpectations(t)
}

func TestMLHandler_PredictNifti_BadExtension(t *testing.T) {
	e := echo.New()
	gateway := new(MockGateway)
	analyses := new(MockAnalysisService)
	h := NewMLHandler(gateway, analyses, nil, nil)

	body, contentType := multipartUpload(t, "notes.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/api/ml/predict/nifti", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	c, rec := newAuthedContext(e, req)

	assert.NoError(t, h.PredictNifti(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NIfTI")

	// Neither the gateway nor the repository may have been touched.
	gateway.AssertNotCalled(t, "PredictNifti", mock.Anything, mock.Anything, mock.Anything)
	analyses.AssertNotCalled(t, "CreateFromResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMLHandler_PredictNifti_MissingFile(t *testing.T) {
	e := echo.New()
	h := NewMLHandler(new(MockGateway), new(MockAnalysisService), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ml/predict/nifti", nil)
	c, rec := newAuthedContext(e, req)

	assert.NoError(t, h.PredictNifti(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMLHandler_GetSlice_NotOwned(t *testing.T) {
	e := echo.New()
	gateway := new(MockGateway)
	analyses := new(MockAnalysisService)
	h := NewMLHandler(gateway, analyses, nil, nil)

	analyses.On("OwnsPatient", mock.Anything, uint(1), "P-foreign").Return(false, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ml/slice/P-foreign/original/0", nil)
	c, rec := newAuthedContext(e, req)
	c.SetParamNames("patientId", "volumeType", "sliceIndex")
	c.SetParamValues("P-foreign", "original", "0")

	assert.NoError(t, h.GetSlice(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	gateway.AssertNotCalled(t, "GetSlice", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMLHandler_GetSlice_Owned(t *testing.T) {
	e := echo.New()
	gateway := new(MockGateway)
	analyses := new(MockAnalysisService)
	h := NewMLHandler(gateway, analyses, nil, nil)

	analyses.On("OwnsPatient", mock.Anything, uint(1), "P1").Return(true, nil)
	gateway.On("GetSlice", mock.Anything, "P1", ml.VolumeMask, 42).
		Return(ml.Result{"slice_data": "base64=="}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ml/slice/P1/mask/42", nil)
	c, rec := newAuthedContext(e, req)
	c.SetParamNames("patientId", "volumeType", "sliceIndex")
	c.SetParamValues("P1", "mask", "42")

	assert.NoError(t, h.GetSlice(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "base64==")
}

func TestMLHandler_GetSlice_BadParams(t *testing.T) {
	tests := []struct {
		name       string
		volumeType string
		sliceIndex string
	}{
		{"bad volume type", "bogus", "0"},
		{"negative index", "original", "-1"},
		{"non-numeric index", "original", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			gateway := new(MockGateway)
			analyses := new(MockAnalysisService)
			h := NewMLHandler(gateway, analyses, nil, nil)

			req := httptest.NewRequest(http.MethodGet, "/api/ml/slice/P1/x/x", nil)
			c, rec := newAuthedContext(e, req)
			c.SetParamNames("patientId", "volumeType", "sliceIndex")
			c.SetParamValues("P1", tt.volumeType, tt.sliceIndex)

			assert.NoError(t, h.GetSlice(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			// Validation failures must precede the ownership probe.
			analyses.AssertNotCalled(t, "OwnsPatient", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestMLHandler_GetOrthogonalSlices_NegativeIndex(t *testing.T) {
	e := echo.New()
	gateway := new(MockGateway)
	analyses := new(MockAnalysisService)
	h := NewMLHandler(gateway, analyses, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ml/orthoslices/P1?i=-1&j=0&k=0", nil)
	c, rec := newAuthedContext(e, req)
	c.SetParamNames("patientId")
	c.SetParamValues("P1")

	assert.NoError(t, h.GetOrthogonalSlices(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	analyses.AssertNotCalled(t, "OwnsPatient", mock.Anything, mock.Anything, mock.Anything)
	gateway.AssertNotCalled(t, "GetOrthogonalSlices", mock.Anything, mock.Anything, mock.Anything)
}

func TestMLHandler_GetOrthogonalSlices_Owned(t *testing.T) {
	e := echo.New()
	gateway := new(MockGateway)
	analyses := new(MockAnalysisService)
	h := NewMLHandler(gateway, analyses, nil, nil)

	analyses.On("OwnsPatient", mock.Anything, uint(1), "P1").Return(true, nil)
	gateway.On("GetOrthogonalSlices", mock.Anything, "P1", mock.MatchedBy(func(p ml.OrthoParams) bool {
		return p.I == 10 && p.J == 20 && p.K == 30 && p.Modality == "original"
	})).Return(ml.Result{"sagittal": "a"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ml/orthoslices/P1?i=10&j=20&k=30", nil)
	c, rec := newAuthedContext(e, req)
	c.SetParamNames("patientId")
	c.SetParamValues("P1")

	assert.NoError(t, h.GetOrthogonalSlices(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMLHandler_GetAnalysis_NotOwned(t *testing.T) {
	e := echo.New()
	analyses := new(MockAnalysisService)
	h := NewMLHandler(new(MockGateway), analyses, nil, nil)

	analyses.On("GetByID", mock.Anything, uint(1), uint(5)).Return(nil, apperrors.ErrNotFound)

	req := httptest.NewRequest(http.MethodGet, "/api/ml/analyses/5", nil)
	c, rec := newAuthedContext(e, req)
	c.SetParamNames("id")
	c.SetParamValues("5")

	assert.NoError(t, h.GetAnalysis(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMLHandler_ListAnalyses(t *testing.T) {
	e := echo.New()
	analyses := new(MockAnalysisService)
	h := NewMLHandler(new(MockGateway), analyses, nil, nil)

	filename := "scan.nii"
	analyses.On("ListByUser", mock.Anything, uint(1)).Return([]model.Analysis{
		{ID: 2, UserID: 1, Filename: &filename},
		{ID: 1, UserID: 1},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ml/analyses", nil)
	c, rec := newAuthedContext(e, req)

	assert.NoError(t, h.ListAnalyses(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    []struct {
			ID uint `json:"id"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, uint(2), resp.Data[0].ID)
}

func TestMLHandler_Health(t *testing.T) {
	t.Run("upstream healthy", func(t *testing.T) {
		e := echo.New()
		gateway := new(MockGateway)
		h := NewMLHandler(gateway, new(MockAnalysisService), nil, nil)

		gateway.On("Health", mock.Anything).Return(ml.Result{"message": "Backend is running"}, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/ml/health", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		assert.NoError(t, h.Health(c))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("upstream unreachable", func(t *testing.T) {
		e := echo.New()
		gateway := new(MockGateway)
		h := NewMLHandler(gateway, new(MockAnalysisService), nil, nil)

		gateway.On("Health", mock.Anything).Return(nil, assert.AnError)

		req := httptest.NewRequest(http.MethodGet, "/api/ml/health", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		assert.NoError(t, h.Health(c))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMLHandler_Analyze_RequiresPrompt(t *testing.T) {
	e := echo.New()
	gateway := new(MockGateway)
	h := NewMLHandler(gateway, new(MockAnalysisService), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ml/analyze", nil)
	c, rec := newAuthedContext(e, req)

	assert.NoError(t, h.Analyze(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	gateway.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
