package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/http"
	"strconv"

	"code.cloudfoundry.org/bytefmt"
	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sdvault/internal/logger"
	"sdvault/internal/models"
	"sdvault/internal/store"
	"sdvault/internal/tindex"
)

// ClientCounter reports connected viewers. *playback.Manager implements it.
type ClientCounter interface {
	Clients() int
}

// Handlers serves the HTTP API.
type Handlers struct {
	dvr     *DVRServer
	clients ClientCounter
}

// NewHandlers creates the API handlers. clients may be nil.
func NewHandlers(dvr *DVRServer, clients ClientCounter) *Handlers {
	return &Handlers{dvr: dvr, clients: clients}
}

func fail(ctx iris.Context, code int, err error) {
	ctx.StatusCode(code)
	ctx.JSON(iris.Map{"error": err.Error()})
}

func urlUint32(ctx iris.Context, name string, def uint32) (uint32, error) {
	s := ctx.URLParam(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return uint32(v), nil
}

// GetConfig returns the storage settings.
// GET /api/v1/config
func (h *Handlers) GetConfig(ctx iris.Context) {
	cfg, err := h.dvr.GetConfig()
	if err != nil {
		fail(ctx, http.StatusInternalServerError, err)
		return
	}
	ctx.JSON(cfg)
}

// SetConfig changes the timezone used for dates.
// POST /api/v1/config
func (h *Handlers) SetConfig(ctx iris.Context) {
	var req struct {
		Timezone string `json:"timezone"`
	}
	if err := ctx.ReadJSON(&req); err != nil {
		fail(ctx, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	if req.Timezone != "" {
		if err := h.dvr.SetTimezone(req.Timezone); err != nil {
			fail(ctx, http.StatusBadRequest, fmt.Errorf("invalid timezone: %s", req.Timezone))
			return
		}
	}
	ctx.JSON(iris.Map{"timezone": h.dvr.GetTimezone()})
}

// GetStorageStatus reports index sizes, free space and viewers.
// GET /api/v1/storage/status
func (h *Handlers) GetStorageStatus(ctx iris.Context) {
	st, err := h.dvr.Store().Stats()
	if err != nil {
		fail(ctx, http.StatusInternalServerError, err)
		return
	}
	clients := 0
	if h.clients != nil {
		clients = h.clients.Clients()
	}
	ctx.JSON(iris.Map{"storage": st, "clients": clients})
}

// Reclaim runs one space check now.
// POST /api/v1/storage/reclaim
func (h *Handlers) Reclaim(ctx iris.Context) {
	res, err := h.dvr.Store().Reclaim(ctx.Request().Context())
	if err != nil {
		fail(ctx, http.StatusInternalServerError, err)
		return
	}
	ctx.JSON(iris.Map{
		"free":      res.Free,
		"triggered": res.Triggered,
		"evicted":   res.Evicted,
		"failed":    res.Failed,
	})
}

// GetDates lists the local dates that have recordings.
// GET /api/v1/recordings/dates
func (h *Handlers) GetDates(ctx iris.Context) {
	dates, err := h.dvr.GetRecordingDates()
	if err != nil {
		fail(ctx, http.StatusInternalServerError, err)
		return
	}
	ctx.JSON(iris.Map{"dates": dates, "timezone": h.dvr.GetTimezone()})
}

// GetRecordings lists one day's segments.
// GET /api/v1/recordings?date=YYYY-MM-DD
func (h *Handlers) GetRecordings(ctx iris.Context) {
	date := ctx.URLParam("date")
	if date == "" {
		fail(ctx, http.StatusBadRequest, errors.New("missing date parameter"))
		return
	}
	recordings, err := h.dvr.GetRecordings(date)
	if err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}
	ctx.JSON(iris.Map{"recordings": recordings})
}

// GetEvents lists segments in a UTC window with their availability.
// GET /api/v1/events?start=&end=
func (h *Handlers) GetEvents(ctx iris.Context) {
	start, err := urlUint32(ctx, "start", 0)
	if err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}
	end, err := urlUint32(ctx, "end", math.MaxUint32)
	if err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}

	events, err := h.dvr.Store().ListEvents(start, end)
	if err != nil {
		fail(ctx, statusFor(err), err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	ctx.JSON(iris.Map{"events": events})
}

// PostChunk stores one TS chunk from the raw request body.
// POST /api/v1/chunks?start=&end=
func (h *Handlers) PostChunk(ctx iris.Context) {
	start, err := urlUint32(ctx, "start", 0)
	if err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}
	end, err := urlUint32(ctx, "end", 0)
	if err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}

	s := h.dvr.Store()
	body := io.Reader(ctx.Request().Body)
	if limit := s.MaxChunkSize(); limit > 0 {
		body = io.LimitReader(body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}
	if limit := s.MaxChunkSize(); limit > 0 && int64(len(data)) > limit {
		fail(ctx, http.StatusRequestEntityTooLarge,
			fmt.Errorf("chunk over %s: %w", bytefmt.ByteSize(uint64(limit)), models.ErrOutOfMemory))
		return
	}

	c, err := s.SaveChunk(ctx.Request().Context(), start, end, data)
	if err != nil {
		logger.Warn("chunk ingest rejected", "start", start, "end", end, "error", err)
		fail(ctx, statusFor(err), err)
		return
	}
	ctx.StatusCode(http.StatusCreated)
	ctx.JSON(iris.Map{"chunk": c, "size": len(data)})
}

// PostSegment records one recording segment.
// POST /api/v1/segments
func (h *Handlers) PostSegment(ctx iris.Context) {
	var req struct {
		Start uint32 `json:"start"`
		End   uint32 `json:"end"`
	}
	if err := ctx.ReadJSON(&req); err != nil {
		fail(ctx, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	if err := h.dvr.Store().SaveSegment(req.Start, req.End); err != nil {
		fail(ctx, statusFor(err), err)
		return
	}
	ctx.StatusCode(http.StatusCreated)
	ctx.JSON(iris.Map{"start": req.Start, "end": req.End})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrEmptyChunk),
		errors.Is(err, tindex.ErrInvalidRange),
		errors.Is(err, tindex.ErrOutOfOrder):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrOverlap),
		errors.Is(err, fs.ErrExist):
		return http.StatusConflict
	case errors.Is(err, models.ErrOutOfMemory):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// RegisterRoutes mounts the API, the stream endpoint and /metrics. A nil
// stream handler leaves /api/v1/stream unmounted.
func RegisterRoutes(app *iris.Application, h *Handlers, stream iris.Handler) {
	v1 := app.Party("/api/v1")
	{
		v1.Get("/config", h.GetConfig)
		v1.Post("/config", h.SetConfig)
		v1.Get("/storage/status", h.GetStorageStatus)
		v1.Post("/storage/reclaim", h.Reclaim)
		v1.Get("/recordings/dates", h.GetDates)
		v1.Get("/recordings", h.GetRecordings)
		v1.Get("/events", h.GetEvents)
		v1.Post("/chunks", h.PostChunk)
		v1.Post("/segments", h.PostSegment)
		if stream != nil {
			v1.Get("/stream", stream)
		}
	}
	app.Get("/metrics", iris.FromStd(promhttp.Handler()))
}

// NewApp builds the iris application with CORS and all routes.
func NewApp(h *Handlers, stream iris.Handler) *iris.Application {
	app := iris.New()
	app.Logger().SetLevel("warn")

	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if ctx.Method() == http.MethodOptions {
			ctx.StatusCode(http.StatusNoContent)
			return
		}
		ctx.Next()
	})

	RegisterRoutes(app, h, stream)
	return app
}
