package http

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"permnet/db"
	"permnet/logging"
	"permnet/ml"
	"permnet/monitoring"
	"permnet/pipeline"
)

// HistoryStore is the subset of db.HistoryStore the API uses.
type HistoryStore interface {
	SaveRun(ctx context.Context, kind, sourceName string, rows []pipeline.ResultRow, skipped int) (*db.Run, error)
	ListRuns(ctx context.Context, limit int) ([]db.Run, error)
	RunResults(ctx context.Context, runID string) (*db.Run, []pipeline.ResultRow, error)
}

// API holds the dependencies of the HTTP handlers. Predictor and Metrics are required;
// History is optional.
type API struct {
	Predictor *ml.Predictor
	History   HistoryStore
	Metrics   *monitoring.InferenceMetrics
	Logger    *zap.Logger
}

var errHistoryDisabled = errors.New("history is disabled")

// RegisterHandlers mounts every API route on mux.
func (a *API) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/model", a.handleModel)
	mux.HandleFunc("POST /api/model/reload", a.handleReload)
	mux.HandleFunc("POST /api/predict", a.handlePredict)
	mux.HandleFunc("POST /api/predict/batch", a.handleBatch)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/history/{id}", a.handleHistoryRun)
	mux.HandleFunc("GET /api/metrics", a.handleMetrics)
}

func (a *API) logger() *zap.Logger {
	return logging.OrNop(a.Logger)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"model_loaded": a.Predictor.IsModelLoaded(),
	})
}

type modelInfo struct {
	Loaded   bool                 `json:"loaded"`
	Source   string               `json:"source,omitempty"`
	LoadedAt *time.Time           `json:"loaded_at,omitempty"`
	Topology []ml.LayerDescriptor `json:"topology,omitempty"`
}

func (a *API) currentModelInfo() modelInfo {
	model, err := a.Predictor.Model()
	if err != nil {
		return modelInfo{Loaded: false}
	}
	loadedAt := model.LoadedAt()
	return modelInfo{
		Loaded:   true,
		Source:   model.Source(),
		LoadedAt: &loadedAt,
		Topology: model.Topology(),
	}
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.currentModelInfo())
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.Predictor.Reload(r.Context()); err != nil {
		a.logger().Warn("manual model reload failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, a.currentModelInfo())
}

// predictRequest is a manually entered sample. Diameters are in Unit (micrometers by default).
type predictRequest struct {
	ID            string   `json:"id,omitempty"`
	Porosity      *float64 `json:"porosity"`
	ParticleRatio *float64 `json:"particle_ratio"`
	DfMean        *float64 `json:"Df_mean"`
	DpMean        *float64 `json:"Dp_mean"`
	Unit          string   `json:"unit,omitempty"`
}

// sample validates the request and returns it in micrometers.
func (req predictRequest) sample() (ml.BatchRow, error) {
	var missing []string
	for _, f := range []struct {
		name  string
		value *float64
	}{
		{"porosity", req.Porosity},
		{"particle_ratio", req.ParticleRatio},
		{"Df_mean", req.DfMean},
		{"Dp_mean", req.DpMean},
	} {
		if f.value == nil {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return ml.BatchRow{}, fmt.Errorf("%w: %v", pipeline.ErrNotANumber, missing)
	}

	unit, err := ml.ParseLengthUnit(req.Unit)
	if err != nil {
		return ml.BatchRow{}, err
	}
	row := ml.BatchRow{
		Porosity:      *req.Porosity,
		ParticleRatio: *req.ParticleRatio,
		DfMean:        unit.ToMicrometers(*req.DfMean),
		DpMean:        unit.ToMicrometers(*req.DpMean),
	}
	if err := pipeline.ValidateSample(row); err != nil {
		return ml.BatchRow{}, err
	}
	return row, nil
}

// predictOne is shared by the JSON endpoint and the live websocket.
func (a *API) predictOne(req predictRequest) (pipeline.ResultRow, error) {
	row, err := req.sample()
	if err != nil {
		return pipeline.ResultRow{}, err
	}
	res, err := a.Predictor.PredictSingle(row.Porosity, row.ParticleRatio, row.DfMean, row.DpMean)
	if err != nil {
		if errors.Is(err, ml.ErrModelNotLoaded) {
			a.Metrics.RecordNotReady()
		}
		return pipeline.ResultRow{}, err
	}
	a.Metrics.RecordSingle()
	return pipeline.ResultRow{Input: row, Prediction: res}, nil
}

type predictResponse struct {
	RunID  string             `json:"run_id,omitempty"`
	Result pipeline.ResultRow `json:"result"`
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, statusFor(err), fmt.Errorf("invalid request body: %w", err))
		return
	}

	result, err := a.predictOne(req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	resp := predictResponse{Result: result}
	if run := a.saveRun(r.Context(), db.KindSingle, "", []pipeline.ResultRow{result}, 0); run != nil {
		resp.RunID = run.RunID
	}
	respondJSON(w, http.StatusOK, resp)
}

type batchResponse struct {
	RunID       string               `json:"run_id,omitempty"`
	SourceName  string               `json:"source_name"`
	Rows        []pipeline.ResultRow `json:"rows"`
	Skipped     int                  `json:"skipped"`
	SkipReasons []string             `json:"skip_reasons,omitempty"`
	SkipCounts  map[string]int64     `json:"skip_counts,omitempty"`
	TrueKColumn string               `json:"true_k_column,omitempty"`
	Summary     pipeline.Summary     `json:"summary"`
	KRange      string               `json:"k_range,omitempty"`
	Chart       chartSeries          `json:"chart"`
}

type chartSeries struct {
	Porosity []float64  `json:"porosity"`
	K        []*float64 `json:"k"`
}

func newChartSeries(rows []pipeline.ResultRow) chartSeries {
	porosity, k := pipeline.ChartSeries(rows)
	points := make([]*float64, len(k))
	for i, v := range k {
		points[i] = ml.FiniteOrNil(v)
	}
	return chartSeries{Porosity: porosity, K: points}
}

// handleBatch accepts a multipart upload in field "file" or a raw CSV body.
// ?format=csv returns the results as a downloadable CSV instead of JSON.
func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !a.Predictor.IsModelLoaded() {
		a.Metrics.RecordNotReady()
		respondError(w, http.StatusServiceUnavailable, ml.ErrModelNotLoaded)
		return
	}

	body, name, err := batchInput(r)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	defer body.Close()

	ds, err := pipeline.ReadCSV(body)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	predictions, err := a.Predictor.PredictBatch(ds.Rows)
	if err != nil {
		if errors.Is(err, ml.ErrModelNotLoaded) {
			a.Metrics.RecordNotReady()
		}
		respondError(w, statusFor(err), err)
		return
	}
	rows := pipeline.JoinResults(ds, predictions)
	summary := pipeline.Summarize(rows)
	if summary.NonFinite > 0 {
		a.logger().Warn("batch produced non-finite permeability",
			zap.String("source", name),
			zap.Int("count", summary.NonFinite),
			zap.String("request_id", GetRequestID(r.Context())),
		)
	}
	a.Metrics.RecordBatch(len(rows), summary.NonFinite, ds.SkipCounts, time.Since(start))

	resp := batchResponse{
		SourceName:  name,
		Rows:        rows,
		Skipped:     ds.Skipped,
		SkipReasons: ds.SkipReasons,
		SkipCounts:  ds.SkipCounts,
		TrueKColumn: ds.TrueKColumn,
		Summary:     summary,
		KRange:      summary.KRange(),
		Chart:       newChartSeries(rows),
	}
	if run := a.saveRun(r.Context(), db.KindBatch, name, rows, ds.Skipped); run != nil {
		resp.RunID = run.RunID
		w.Header().Set("X-Run-ID", run.RunID)
	}

	if r.URL.Query().Get("format") == "csv" {
		respondCSV(w, rows)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func batchInput(r *http.Request) (io.ReadCloser, string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", errBadUpload, err)
		}
		if !pipeline.IsCSVName(header.Filename) {
			file.Close()
			return nil, "", fmt.Errorf("%w: %s is not a .csv file", errBadUpload, header.Filename)
		}
		return file, header.Filename, nil
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload.csv"
	}
	if !pipeline.IsCSVName(name) {
		return nil, "", fmt.Errorf("%w: %s is not a .csv file", errBadUpload, name)
	}
	return r.Body, name, nil
}

var errBadUpload = errors.New("invalid upload")

// saveRun records rows in the history store when one is configured. Failures are logged
// and never fail the request.
func (a *API) saveRun(ctx context.Context, kind, name string, rows []pipeline.ResultRow, skipped int) *db.Run {
	if a.History == nil {
		return nil
	}
	run, err := a.History.SaveRun(ctx, kind, name, rows, skipped)
	if err != nil {
		a.logger().Error("save prediction history failed", zap.String("kind", kind), zap.Error(err))
		return nil
	}
	return run
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		respondError(w, http.StatusNotFound, errHistoryDisabled)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	runs, err := a.History.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (a *API) handleHistoryRun(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		respondError(w, http.StatusNotFound, errHistoryDisabled)
		return
	}

	run, rows, err := a.History.RunResults(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		respondCSV(w, rows)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"rows":    rows,
		"summary": pipeline.Summarize(rows),
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		io.WriteString(w, a.Metrics.ExportPrometheus())
		return
	}
	respondJSON(w, http.StatusOK, a.Metrics.Snapshot())
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var missing *pipeline.MissingColumnsError
	var tooLarge *http.MaxBytesError
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var parseErr *csv.ParseError
	switch {
	case errors.Is(err, ml.ErrModelNotLoaded):
		return http.StatusServiceUnavailable
	case errors.As(err, &missing), errors.Is(err, pipeline.ErrNoValidRows):
		return http.StatusUnprocessableEntity
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, db.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrPorosityRange),
		errors.Is(err, pipeline.ErrParticleRatioRange),
		errors.Is(err, pipeline.ErrDiameterRange),
		errors.Is(err, pipeline.ErrNotANumber),
		errors.Is(err, ml.ErrUnknownUnit),
		errors.Is(err, errBadUpload),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &syntax),
		errors.As(err, &typeErr),
		errors.As(err, &parseErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondCSV(w http.ResponseWriter, rows []pipeline.ResultRow) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": pipeline.ResultsFileName}))
	pipeline.WriteResultsCSV(w, rows)
}
