package handler

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"neuroview/internal/cache"
	"neuroview/internal/errors"
	"neuroview/internal/ml"
	"neuroview/internal/model"
	"neuroview/internal/service"
)

// MLHandler handles inference and visualization endpoints.
type MLHandler struct {
	gateway  ml.Gateway
	analyses service.AnalysisService
	cache    *cache.Client
	logger   *zap.Logger
}

// NewMLHandler creates a new ML handler.
func NewMLHandler(gateway ml.Gateway, analyses service.AnalysisService, cacheClient *cache.Client, logger *zap.Logger) *MLHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MLHandler{
		gateway:  gateway,
		analyses: analyses,
		cache:    cacheClient,
		logger:   logger,
	}
}

// PredictNifti godoc
// @Summary Run tumor segmentation on a NIfTI file
// @Tags ml
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param file formData file true "NIfTI file (.nii, .nii.gz)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 500 {object} errors.ErrorResponse
// @Router /ml/predict/nifti [post]
func (h *MLHandler) PredictNifti(c echo.Context) error {
	return h.predict(c, model.AnalysisTypeNifti, ml.IsNiftiFilename,
		"only NIfTI files are supported (.nii, .nii.gz)", h.gateway.PredictNifti)
}

// PredictZip godoc
// @Summary Run tumor segmentation on a ZIP archive of DICOM files
// @Tags ml
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param file formData file true "ZIP archive"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 500 {object} errors.ErrorResponse
// @Router /ml/predict/zip [post]
func (h *MLHandler) PredictZip(c echo.Context) error {
	return h.predict(c, model.AnalysisTypeDicomZip, ml.IsZipFilename,
		"only ZIP archives with DICOM files are supported", h.gateway.PredictZip)
}

func (h *MLHandler) predict(
	c echo.Context,
	analysisType model.AnalysisType,
	extOK func(string) bool,
	extMessage string,
	call func(ctx context.Context, data []byte, filename string) (ml.Result, error),
) error {
	claims, err := currentClaims(c)
	if err != nil {
		return respondError(c, err)
	}

	data, filename, err := readUpload(c)
	if err != nil {
		return respondError(c, err)
	}
	if !extOK(filename) {
		return c.JSON(http.StatusBadRequest, errors.ErrorResponse{
			Error: extMessage,
			Code:  "VALIDATION_ERROR",
		})
	}

	h.logger.Info("processing upload",
		zap.String("filename", filename),
		zap.Int("bytes", len(data)),
		zap.String("type", string(analysisType)),
		zap.Uint("user_id", claims.UserID),
	)

	result, err := call(c.Request().Context(), data, filename)
	if err != nil {
		return respondError(c, err)
	}

	analysis, err := h.analyses.CreateFromResult(c.Request().Context(), claims.UserID, analysisType, filename, result)
	if err != nil {
		h.logger.Error("persist analysis", zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"data":       result,
		"filename":   filename,
		"analysisId": analysis.ID,
	})
}

// ClassifyDicom godoc
// @Summary Classify a DICOM file or bundle
// @Tags ml
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param file formData file true "DICOM file (.dcm) or ZIP archive"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 500 {object} errors.ErrorResponse
// @Router /ml/classify-dicom [post]
func (h *MLHandler) ClassifyDicom(c echo.Context) error {
	data, filename, err := readUpload(c)
	if err != nil {
		return respondError(c, err)
	}
	if !ml.IsDicomFilename(filename) {
		return c.JSON(http.StatusBadRequest, errors.ErrorResponse{
			Error: "only .dcm files or ZIP archives are supported",
			Code:  "VALIDATION_ERROR",
		})
	}

	result, err := h.gateway.ClassifyDicom(c.Request().Context(), data, filename)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": result})
}

// Analyze godoc
// @Summary Run a free-text analysis, optionally over an attached file
// @Tags ml
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param prompt formData string true "Analysis prompt"
// @Param file formData file false "Optional attachment"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 500 {object} errors.ErrorResponse
// @Router /ml/analyze [post]
func (h *MLHandler) Analyze(c echo.Context) error {
	prompt := c.FormValue("prompt")
	if prompt == "" {
		return c.JSON(http.StatusBadRequest, errors.ErrorResponse{
			Error: "prompt is required",
			Code:  "VALIDATION_ERROR",
		})
	}

	// The attachment is optional here, unlike the prediction routes.
	var data []byte
	var filename string
	if fileHeader, err := c.FormFile("file"); err == nil {
		data, filename, err = readFileHeader(fileHeader)
		if err != nil {
			return respondError(c, err)
		}
	}

	result, err := h.gateway.Analyze(c.Request().Context(), prompt, data, filename)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": result})
}

// GetSlice godoc
// @Summary Fetch one encoded 2-D slice of a processed volume
// @Tags ml
// @Produce json
// @Security BearerAuth
// @Param patientId path string true "Patient id"
// @Param volumeType path string true "original or mask"
// @Param sliceIndex path int true "Slice index"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Router /ml/slice/{patientId}/{volumeType}/{sliceIndex} [get]
func (h *MLHandler) GetSlice(c echo.Context) error {
	patientID := c.Param("patientId")
	volumeType := c.Param("volumeType")
	if !ml.ValidVolumeType(volumeType) {
		return c.JSON(http.StatusBadRequest, errors.ErrorResponse{
			Error: `volumeType must be "original" or "mask"`,
			Code:  "VALIDATION_ERROR",
		})
	}
	sliceIndex, err := strconv.Atoi(c.Param("sliceIndex"))
	if err != nil || sliceIndex < 0 {
		return c.JSON(http.StatusBadRequest, errors.ErrorResponse{
			Error: "sliceIndex must be a non-negative integer",
			Code:  "VALIDATION_ERROR",
		})
	}

	if err := h.authorizePatient(c, patientID); err != nil {
		return respondError(c, err)
	}

	key := fmt.Sprintf("slice:%s:%s:%d", patientID, volumeType, sliceIndex)
	var cached ml.Result
	if h.cache.GetJSON(c.Request().Context(), key, &cached) {
		return c.JSON(http.StatusOK, echo.Map{"success": true, "data": cached})
	}

	result, err := h.gateway.GetSlice(c.Request().Context(), patientID, ml.VolumeType(volumeType), sliceIndex)
	if err != nil {
		return respondError(c, err)
	}
	h.cache.SetJSON(c.Request().Context(), key, result, cache.SliceTTL)

	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": result})
}

// GetVolumeMeta godoc
// @Summary Fetch shape, spacing, affine and intensity metadata of a volume
// @Tags ml
// @Produce json
// @Security BearerAuth
// @Param patientId path string true "Patient id"
// @Param volume_type query string false "original or mask" default(original)
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Router /ml/volume/{patientId}/meta [get]
func (h *MLHandler) GetVolumeMeta(c echo.Context) error {
	patientID := c.Param("patientId")
	volumeType := c.QueryParam("volume_type")
	if volumeType == "" {
		volumeType = string(ml.VolumeOriginal)
	}
	if !ml.ValidVolumeType(volumeType) {
		return c.JSON(http.StatusBadRequest, errors.ErrorResponse{
			Error: `volume_type must be "original" or "mask"`,
			Code:  "VALIDATION_ERROR",
		})
	}

	if err := h.authorizePatient(c, patientID); err != nil {
		return respondError(c, err)
	}

	key := fmt.Sprintf("volmeta:%s:%s", patientID, volumeType)
	var cached ml.Result
	if h.cache.GetJSON(c.Request().Context(), key, &cached) {
		return c.JSON(http.StatusOK, echo.Map{"success": true, "data": cached})
	}

	result, err := h.gateway.GetVolumeMeta(c.Request().Context(), patientID, ml.VolumeType(volumeType))
	if err != nil {
		return respondError(c, err)
	}
	h.cache.SetJSON(c.Request().Context(), key, result, cache.SliceTTL)

	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": result})
}

// GetOrthogonalSlices godoc
// @Summary Fetch sagittal, coronal and axial slices through a voxel
// @Tags ml
// @Produce json
// @Security BearerAuth
// @Param patientId path string true "Patient id"
// @Param i query int true "Sagittal index"
// @Param j query int true "Coronal index"
// @Param k query int true "Axial index"
// @Param modality query string false "original or mask" default(original)
// @Param overlay query string false "mask to overlay the segmentation"
// @Param alpha query number false "Overlay opacity"
// @Param wl query number false "Window level"
// @Param ww query number false "Window width"
// @Param scale query number false "Output scale"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Router /ml/orthoslices/{patientId} [get]
func (h *MLHandler) GetOrthogonalSlices(c echo.Context) error {
	patientID := c.Param("patientId")

	params, err := parseOrthoParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errors.ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_ERROR",
		})
	}
	// Parameter validation runs before the ownership probe so malformed
	// requests never touch storage or the inference service.
	if err := params.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, errors.ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_ERROR",
		})
	}

	if err := h.authorizePatient(c, patientID); err != nil {
		return respondError(c, err)
	}

	result, err := h.gateway.GetOrthogonalSlices(c.Request().Context(), patientID, params)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": result})
}

// ListAnalyses godoc
// @Summary List the caller's analyses, most recent first
// @Tags ml
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} errors.ErrorResponse
// @Router /ml/analyses [get]
func (h *MLHandler) ListAnalyses(c echo.Context) error {
	claims, err := currentClaims(c)
	if err != nil {
		return respondError(c, err)
	}

	analyses, err := h.analyses.ListByUser(c.Request().Context(), claims.UserID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": analyses})
}

// GetAnalysis godoc
// @Summary Fetch one of the caller's analyses
// @Tags ml
// @Produce json
// @Security BearerAuth
// @Param id path int true "Analysis id"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Router /ml/analyses/{id} [get]
func (h *MLHandler) GetAnalysis(c echo.Context) error {
	claims, err := currentClaims(c)
	if err != nil {
		return respondError(c, err)
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return respondError(c, errors.ErrNotFound)
	}

	analysis, err := h.analyses.GetByID(c.Request().Context(), claims.UserID, uint(id))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": analysis})
}

// Health godoc
// @Summary Probe the inference service
// @Tags ml
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /ml/health [get]
func (h *MLHandler) Health(c echo.Context) error {
	result, err := h.gateway.Health(c.Request().Context())
	if err != nil {
		h.logger.Warn("ml service unreachable", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error":     "ml service is not available",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"ml_service": result,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// authorizePatient confirms the caller owns at least one analysis
// referencing patientID; foreign and unknown patients both read as
// ErrNotFound so existence never leaks across users.
func (h *MLHandler) authorizePatient(c echo.Context, patientID string) error {
	claims, err := currentClaims(c)
	if err != nil {
		return err
	}
	owned, err := h.analyses.OwnsPatient(c.Request().Context(), claims.UserID, patientID)
	if err != nil {
		return err
	}
	if !owned {
		return errors.ErrNotFound
	}
	return nil
}

func parseOrthoParams(c echo.Context) (ml.OrthoParams, error) {
	var params ml.OrthoParams
	var err error

	for _, idx := range []struct {
		name string
		dst  *int
	}{{"i", &params.I}, {"j", &params.J}, {"k", &params.K}} {
		raw := c.QueryParam(idx.name)
		if raw == "" {
			return params, fmt.Errorf("query parameters i, j and k are required")
		}
		*idx.dst, err = strconv.Atoi(raw)
		if err != nil {
			return params, fmt.Errorf("query parameter %s must be an integer", idx.name)
		}
	}

	params.Modality = c.QueryParam("modality")
	if params.Modality == "" {
		params.Modality = string(ml.VolumeOriginal)
	}
	params.Overlay = c.QueryParam("overlay")

	for _, f := range []struct {
		name string
		dst  **float64
	}{{"alpha", &params.Alpha}, {"wl", &params.WindowLevel}, {"ww", &params.WindowWidth}, {"scale", &params.Scale}} {
		raw := c.QueryParam(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return params, fmt.Errorf("query parameter %s must be a number", f.name)
		}
		*f.dst = &v
	}

	return params, nil
}

func readUpload(c echo.Context) ([]byte, string, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, "", errors.NewHTTPError(http.StatusBadRequest, "file is required", "VALIDATION_ERROR")
	}
	return readFileHeader(fileHeader)
}

func readFileHeader(fileHeader *multipart.FileHeader) ([]byte, string, error) {
	f, err := fileHeader.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	return data, fileHeader.Filename, nil
}

func respondError(c echo.Context, err error) error {
	he := errors.MapErrorToHTTP(err)
	return c.JSON(he.StatusCode, he.ToErrorResponse())
}
