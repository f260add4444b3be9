// Queue HTTP handlers.
//
// Operator endpoints for deployments without the in-process ticker: an
// external scheduler (cron, Cloud Scheduler) calls process and sweep.
//   - POST /queue/process  (one batch)
//   - POST /queue/sweep    (recover stale processing jobs)
//   - GET  /queue/stats    (jobs per status)
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-payment-queue/internal/services"
)

// QueueStatsResponse reports how many jobs are in each status.
type QueueStatsResponse struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// ProcessQueue godoc
// @ID          processQueue
// @Summary     Process one batch
// @Description Claims up to the configured batch size of pending jobs and submits them to the gateway. Returns once every job of the batch has an outcome.
// @Tags        Queue
// @Produce     json
// @Success     200  {object} services.BatchResult
// @Failure     409  {object} handlers.ErrorResponse "A batch is already running"
// @Failure     500  {object} handlers.ErrorResponse "Batch could not start"
// @Router      /queue/process [post]
func (h *Handlers) ProcessQueue(c *gin.Context) {
	res, err := h.queueSvc.RunOnce(c.Request.Context())
	switch {
	case errors.Is(err, services.ErrProcessorBusy):
		fail(c, http.StatusConflict, ErrCodeProcessorBusy, "a batch is already running")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeBatchFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, res)
}

// SweepQueue godoc
// @ID          sweepQueue
// @Summary     Recover stale jobs
// @Description Puts jobs stuck in processing longer than PROCESSING_TIMEOUT back to pending, or fails them when their attempts are spent. A no-op when the timeout is 0.
// @Tags        Queue
// @Produce     json
// @Success     200  {object} services.SweepResult
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /queue/sweep [post]
func (h *Handlers) SweepQueue(c *gin.Context) {
	res, err := h.queueSvc.Sweep(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "sweep failed")
		return
	}
	ok(c, http.StatusOK, res)
}

// QueueStats godoc
// @ID          queueStats
// @Summary     Queue depth
// @Tags        Queue
// @Produce     json
// @Success     200  {object} handlers.QueueStatsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /queue/stats [get]
func (h *Handlers) QueueStats(c *gin.Context) {
	depth, err := h.queueSvc.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not read queue stats")
		return
	}
	ok(c, http.StatusOK, QueueStatsResponse{
		Pending:    depth["pending"],
		Processing: depth["processing"],
		Completed:  depth["completed"],
		Failed:     depth["failed"],
	})
}
