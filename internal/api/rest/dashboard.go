package rest

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/calibration"
	"github.com/KevinKickass/ecatmaster/internal/exchange"
	"github.com/KevinKickass/ecatmaster/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// The dashboard endpoints keep the bench UI's wire format: a success flag
// and either the payload or an error string.

type flagState struct {
	Value int    `json:"value"`
	State string `json:"state"`
}

func flagStates(prefix string, flags []bool) map[string]flagState {
	states := make(map[string]flagState, len(flags))
	for i, on := range flags {
		fs := flagState{State: "OFF"}
		if on {
			fs = flagState{Value: 1, State: "ON"}
		}
		states[fmt.Sprintf("%s_%d", prefix, i+1)] = fs
	}
	return states
}

func dashboardError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"success": false,
		"error":   message,
	})
}

// GET /api/data
func (s *Server) getData(c *gin.Context) {
	readings, ts, err := s.dash.Calibration.Readings()
	if err != nil {
		dashboardError(c, http.StatusServiceUnavailable, "Failed to read data: "+err.Error())
		return
	}

	channels := make(map[string]calibration.Reading, len(readings))
	for _, r := range readings {
		channels[r.Channel] = r
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": ts,
		"channels":  channels,
	})
}

// GET /api/digital
func (s *Server) getDigital(c *gin.Context) {
	rec, ok := s.dash.Inputs.Latest()
	if !ok || !rec.HasDigital() {
		dashboardError(c, http.StatusServiceUnavailable, "Failed to read digital inputs")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": rec.Timestamp,
		"inputs":    flagStates("input", rec.Digital),
	})
}

// GET /api/outputs
func (s *Server) getOutputs(c *gin.Context) {
	cmd, err := exchange.FetchOrOff(c.Request.Context(), s.dash.Outputs)
	if err != nil && !errors.Is(err, exchange.ErrNoCommand) {
		dashboardError(c, http.StatusServiceUnavailable, "Failed to read outputs state")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": time.Now(),
		"outputs":   flagStates("output", cmd[:]),
	})
}

type setOutputRequest struct {
	Output *int `json:"output"`
	Value  *int `json:"value"`
}

// POST /api/outputs
func (s *Server) setOutput(c *gin.Context) {
	var req setOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dashboardError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Output == nil || req.Value == nil {
		dashboardError(c, http.StatusBadRequest, "Missing output or value parameter")
		return
	}
	output, value := *req.Output, *req.Value
	if output < 1 || output > types.DigitalWidth {
		dashboardError(c, http.StatusBadRequest, "Output must be between 1 and 8")
		return
	}
	if value != 0 && value != 1 {
		dashboardError(c, http.StatusBadRequest, "Value must be 0 or 1")
		return
	}

	s.outputsMu.Lock()
	defer s.outputsMu.Unlock()

	// An absent or garbled command starts from all off. Any other read error
	// leaves the stored command alone.
	cmd, err := exchange.FetchOrOff(c.Request.Context(), s.dash.Outputs)
	switch {
	case err == nil:
	case errors.Is(err, exchange.ErrNoCommand), errors.Is(err, exchange.ErrMalformed):
		s.logger.Warn("No valid outputs stored, starting from all off", zap.Error(err))
	default:
		s.logger.Error("Failed to read outputs", zap.Error(err))
		dashboardError(c, http.StatusServiceUnavailable, "Failed to read outputs state")
		return
	}
	cmd[output-1] = value == 1

	if err := s.dash.Outputs.Store(c.Request.Context(), cmd); err != nil {
		s.logger.Error("Failed to store outputs", zap.Error(err))
		dashboardError(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Output %d set to %d", output, value),
		"output":  output,
		"value":   value,
	})
}

type setAllOutputsRequest struct {
	Outputs []int `json:"outputs"`
}

// POST /api/outputs/all
func (s *Server) setAllOutputs(c *gin.Context) {
	var req setAllOutputsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dashboardError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Outputs) != types.DigitalWidth {
		dashboardError(c, http.StatusBadRequest, "Must provide array of 8 output values")
		return
	}

	var cmd types.OutputCommand
	for i, v := range req.Outputs {
		if v != 0 && v != 1 {
			dashboardError(c, http.StatusBadRequest, "All values must be 0 or 1")
			return
		}
		cmd[i] = v == 1
	}

	s.outputsMu.Lock()
	defer s.outputsMu.Unlock()

	if err := s.dash.Outputs.Store(c.Request.Context(), cmd); err != nil {
		s.logger.Error("Failed to store outputs", zap.Error(err))
		dashboardError(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "All outputs updated",
		"outputs": cmd.Values(),
	})
}

// POST /api/calibrate
func (s *Server) calibrate(c *gin.Context) {
	offsets, err := s.dash.Calibration.Calibrate()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, calibration.ErrNoSample) {
			code = http.StatusServiceUnavailable
		}
		dashboardError(c, code, "Failed to calibrate: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "All channels calibrated to 0 mbar",
		"offsets": offsets,
	})
}

// POST /api/reset_calibration
func (s *Server) resetCalibration(c *gin.Context) {
	offsets, err := s.dash.Calibration.Reset()
	if err != nil {
		dashboardError(c, http.StatusInternalServerError, "Failed to reset calibration: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Calibration reset to factory defaults",
		"offsets": offsets,
	})
}
