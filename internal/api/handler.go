// Package api is the operator-facing REST surface: channel lifecycle,
// message submission, checkpoints, closes, and dispute resolution.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ChikamsoChidebe/Photonx/internal/broadcast"
	"github.com/ChikamsoChidebe/Photonx/internal/channel"
	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
	"github.com/ChikamsoChidebe/Photonx/internal/pipeline"
	"github.com/ChikamsoChidebe/Photonx/internal/settlement"
	"github.com/ChikamsoChidebe/Photonx/internal/store"
	"github.com/ChikamsoChidebe/Photonx/internal/telemetry"
)

// ChannelHandler serves the operator API.
type ChannelHandler struct {
	machine  *channel.Machine
	pipeline *pipeline.Pipeline
	driver   *settlement.Driver
	store    store.Store
	hub      *broadcast.Hub
	logger   *logrus.Logger
}

// NewChannelHandler wires the handler to the core components.
func NewChannelHandler(machine *channel.Machine, p *pipeline.Pipeline, driver *settlement.Driver,
	st store.Store, hub *broadcast.Hub, logger *logrus.Logger) *ChannelHandler {
	return &ChannelHandler{machine: machine, pipeline: p, driver: driver, store: st, hub: hub, logger: logger}
}

type openRequest struct {
	Trader         common.Address   `json:"trader"`
	LP             common.Address   `json:"lp"`
	Tokens         []common.Address `json:"tokens"`
	TraderDeposits []*model.Amount  `json:"trader_deposits"`
	LPDeposits     []*model.Amount  `json:"lp_deposits"`
	TimeoutMs      uint64           `json:"timeout_ms"`
}

type dualSignedRequest struct {
	State     *model.ChannelState `json:"state"`
	TraderSig hexutil.Bytes       `json:"trader_signature"`
	LPSig     hexutil.Bytes       `json:"lp_signature"`
}

type resolveRequest struct {
	UseStaged bool `json:"use_staged"`
}

// Open handles POST /v1/channels.
func (h *ChannelHandler) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, photonerr.Wrap(photonerr.KindShape, err, "decode open request"))
		return
	}
	ch, err := h.machine.Open(c.Request.Context(), channel.OpenParams{
		Trader:         req.Trader,
		LP:             req.LP,
		Tokens:         req.Tokens,
		TraderDeposits: req.TraderDeposits,
		LPDeposits:     req.LPDeposits,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	domain := h.machine.Domain()
	c.JSON(http.StatusCreated, gin.H{
		"channel_id":    ch.ID,
		"initial_state": ch.Snapshot(domain.ChainID),
		"domain": gin.H{
			"name":               domain.Name,
			"version":            domain.Version,
			"chain_id":           domain.ChainID,
			"verifying_contract": domain.VerifyingContract,
		},
	})
}

// SubmitMessage handles POST /v1/channels/:id/messages.
func (h *ChannelHandler) SubmitMessage(c *gin.Context) {
	var env model.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		h.fail(c, photonerr.Wrap(photonerr.KindShape, err, "decode envelope"))
		return
	}
	ch, err := h.pipeline.Submit(c.Request.Context(), &env)
	if err != nil {
		telemetry.ObserveMessage(string(env.Type), "rejected")
		h.fail(c, err)
		return
	}
	telemetry.ObserveMessage(string(env.Type), "accepted")
	telemetry.ObserveTransition(string(ch.Status))
	c.JSON(http.StatusOK, gin.H{
		"channel_id": ch.ID,
		"nonce":      ch.Nonce,
		"status":     ch.Status,
		"state":      ch.Snapshot(h.machine.Domain().ChainID),
	})
}

// Checkpoint handles POST /v1/channels/:id/checkpoint.
func (h *ChannelHandler) Checkpoint(c *gin.Context) {
	req, ok := h.bindDualSigned(c)
	if !ok {
		return
	}
	cp, err := h.driver.RequestCheckpoint(c.Request.Context(), req.State, req.TraderSig, req.LPSig)
	if err != nil {
		h.fail(c, err)
		return
	}
	telemetry.ObserveCheckpoint()
	c.JSON(http.StatusOK, cp)
}

// Close handles POST /v1/channels/:id/close.
func (h *ChannelHandler) Close(c *gin.Context) {
	req, ok := h.bindDualSigned(c)
	if !ok {
		return
	}
	sr, err := h.driver.Close(c.Request.Context(), req.State, req.TraderSig, req.LPSig)
	if err != nil {
		telemetry.ObserveSettlement("rejected")
		h.fail(c, err)
		return
	}
	telemetry.ObserveSettlement("accepted")
	c.JSON(http.StatusOK, sr)
}

// StageDispute handles POST /v1/channels/:id/dispute.
func (h *ChannelHandler) StageDispute(c *gin.Context) {
	req, ok := h.bindDualSigned(c)
	if !ok {
		return
	}
	if err := h.driver.StageDispute(c.Request.Context(), req.State, req.TraderSig, req.LPSig); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": req.State.ChannelID, "staged_nonce": req.State.Nonce})
}

// ResolveDispute handles POST /v1/channels/:id/dispute/resolve.
func (h *ChannelHandler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, photonerr.Wrap(photonerr.KindShape, err, "decode resolve request"))
		return
	}
	channelID := c.Param("id")
	if err := h.driver.ResolveDispute(c.Request.Context(), channelID, req.UseStaged); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "use_staged": req.UseStaged})
}

// GetChannel handles GET /v1/channels/:id.
func (h *ChannelHandler) GetChannel(c *gin.Context) {
	ch, err := h.machine.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// ListChannels handles GET /v1/channels?participant=0x…
func (h *ChannelHandler) ListChannels(c *gin.Context) {
	raw := c.Query("participant")
	if !common.IsHexAddress(raw) {
		h.fail(c, photonerr.New(photonerr.KindShape, "participant must be a hex address"))
		return
	}
	ids, err := h.store.ChannelsByParticipant(c.Request.Context(), common.HexToAddress(raw))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": ids})
}

// Subscribe handles GET /ws.
func (h *ChannelHandler) Subscribe(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

func (h *ChannelHandler) bindDualSigned(c *gin.Context) (*dualSignedRequest, bool) {
	var req dualSignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, photonerr.Wrap(photonerr.KindShape, err, "decode dual-signed request"))
		return nil, false
	}
	if req.State == nil {
		h.fail(c, photonerr.New(photonerr.KindShape, "missing state"))
		return nil, false
	}
	if req.State.ChannelID != c.Param("id") {
		h.fail(c, photonerr.New(photonerr.KindInvariantViolation,
			"state channel_id does not match path").WithChannel(c.Param("id"), req.State.Nonce))
		return nil, false
	}
	return &req, true
}

// fail maps the error taxonomy onto HTTP statuses. Every response carries
// the kind, channel id, and failing nonce when known.
func (h *ChannelHandler) fail(c *gin.Context, err error) {
	kind := photonerr.KindOf(err)
	telemetry.ObserveRejection(string(kind))

	status := http.StatusInternalServerError
	switch kind {
	case photonerr.KindShape, photonerr.KindRange,
		photonerr.KindInvalidParticipant, photonerr.KindInvalidDeposit, photonerr.KindTimeoutTooShort:
		status = http.StatusBadRequest
	case photonerr.KindBadSignature, photonerr.KindNotParticipant:
		status = http.StatusForbidden
	case photonerr.KindNotFound:
		status = http.StatusNotFound
	case photonerr.KindStaleNonce, photonerr.KindStaleTimestamp, photonerr.KindWrongStatus,
		photonerr.KindQuoteNotFound, photonerr.KindQuoteExpired, photonerr.KindAlreadyFilled,
		photonerr.KindInsufficientBalance, photonerr.KindInvariantViolation:
		status = http.StatusConflict
	case photonerr.KindOverloaded, photonerr.KindLockUnavailable:
		status = http.StatusTooManyRequests
	case photonerr.KindTimeout:
		status = http.StatusGatewayTimeout
	case photonerr.KindStore:
		status = http.StatusServiceUnavailable
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	var pe *photonerr.Error
	if errors.As(err, &pe) {
		if pe.ChannelID != "" {
			body["channel_id"] = pe.ChannelID
		}
		if pe.Nonce != 0 {
			body["nonce"] = pe.Nonce
		}
	}
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("unclassified failure")
	}
	c.JSON(status, body)
}
