package archive

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the archiver's status endpoints using go-chi.
type Handler struct {
	board      *StatusBoard
	layout     Layout
	reconciler *Reconciler
	catalog    CatalogReader
	clock      Clock
	staleAfter time.Duration
	log        *slog.Logger
}

// NewHandler returns a Handler reading controller state from board.
// /healthz fails once the last tick is older than staleAfter.
func NewHandler(board *StatusBoard, layout Layout, reconciler *Reconciler, staleAfter time.Duration, log *slog.Logger) *Handler {
	return &Handler{
		board:      board,
		layout:     layout,
		reconciler: reconciler,
		clock:      time.Now,
		staleAfter: staleAfter,
		log:        log,
	}
}

// WithCatalog makes GET /buckets/{bucket} include the catalog record of the
// bucket, and answer for buckets whose files have expired.
func (h *Handler) WithCatalog(c CatalogReader) *Handler {
	h.catalog = c
	return h
}

// Mount registers the status routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/status", h.Status)
	r.Get("/buckets", h.ListBuckets)
	r.Get("/buckets/{bucket}", h.GetBucket)
	r.Post("/reconcile", h.Reconcile)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response", slog.String("error", err.Error()))
	}
}

// Health handles GET /healthz. It reports 503 until the controller has ticked
// and whenever its last tick is stale.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.board.Snapshot()
	switch {
	case snap.LastTick.IsZero():
		h.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "controller has not ticked yet"})
	case h.staleAfter > 0 && h.clock().Sub(snap.LastTick) > h.staleAfter:
		h.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "controller tick is stale"})
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"capture_up": snap.Capture != nil,
			"last_tick":  snap.LastTick,
		})
	}
}

// Status handles GET /status with the latest controller snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.board.Snapshot())
}

// ListBuckets handles GET /buckets.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	inv, err := h.layout.Inventory()
	if err != nil {
		h.log.Error("inventory failed", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "inventory failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

type bucketDetail struct {
	BucketInventory
	Index   *indexSummary  `json:"index,omitempty"`
	Catalog *CatalogRecord `json:"catalog,omitempty"`
}

type indexSummary struct {
	Segments       int     `json:"segments"`
	Duration       float64 `json:"duration_seconds"`
	TargetDuration int     `json:"target_duration"`
	Ended          bool    `json:"ended"`
	Error          string  `json:"error,omitempty"`
}

// GetBucket handles GET /buckets/{bucket}.
func (h *Handler) GetBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := ParseBucket(chi.URLParam(r, "bucket"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	inv, ok, err := h.layout.BucketInventory(bucket)
	if err != nil {
		h.log.Error("inventory failed", slog.String("bucket", string(bucket)), slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "inventory failed"})
		return
	}
	record := h.catalogRecord(r.Context(), bucket)
	if !ok && record == nil {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: "no files for bucket"})
		return
	}

	inv.Bucket = bucket
	detail := bucketDetail{BucketInventory: inv, Catalog: record}
	if inv.HasIndex {
		pl, err := ReadPlaylist(h.layout.IndexPath(bucket))
		summary := &indexSummary{}
		if err != nil {
			summary.Error = err.Error()
		} else {
			summary.Segments = len(pl.Segments)
			summary.Duration = pl.Duration()
			summary.TargetDuration = pl.TargetDuration
			summary.Ended = pl.Ended
		}
		detail.Index = summary
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// catalogRecord returns the bucket's catalog record, or nil when there is no
// catalog, no record or the lookup failed.
func (h *Handler) catalogRecord(ctx context.Context, bucket BucketID) *CatalogRecord {
	if h.catalog == nil {
		return nil
	}
	rec, err := h.catalog.Get(ctx, bucket)
	if err != nil {
		if !errors.Is(err, ErrNotCataloged) {
			h.log.Warn("catalog lookup failed", slog.String("bucket", string(bucket)), slog.String("error", err.Error()))
		}
		return nil
	}
	return &rec
}

// Reconcile handles POST /reconcile by running orphan reconciliation now.
// Buckets with a running consolidation are skipped.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var busy []BucketID
	for _, job := range h.board.Snapshot().Jobs {
		busy = append(busy, job.Bucket)
	}

	rep, err := h.reconciler.Reconcile(r.Context(), h.clock(), busy...)
	if err != nil {
		if errors.Is(err, ErrArchiveMissing) {
			h.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
			return
		}
		h.log.Error("reconcile failed", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "reconcile failed"})
		return
	}
	h.log.Info("reconcile requested", slog.Int("files", rep.Files), slog.Int64("bytes", rep.Bytes))
	h.writeJSON(w, http.StatusOK, rep)
}
