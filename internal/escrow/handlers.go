package escrow

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/auth"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/pagination"
	"github.com/mbd888/mpescrow/internal/validation"
)

// Handler provides HTTP endpoints for the escrow service.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances/:account", validation.AccountParamMiddleware(), h.GetBalance)
	r.GET("/channels/:id", validation.ChannelParamMiddleware(), h.GetChannel)
	r.GET("/senders/:account/channels", validation.AccountParamMiddleware(), h.ListSenderChannels)
	r.GET("/audit", h.GetAudit)
}

// RegisterProtectedRoutes sets up routes that require a signed request.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.Deposit)
	r.POST("/withdrawals", h.Withdraw)
	r.POST("/transfers", h.Transfer)
	r.POST("/channels", h.OpenChannel)
	r.POST("/channels/deposit-and-open", h.DepositAndOpen)
	r.POST("/channels/:id/extend", validation.ChannelParamMiddleware(), h.ExtendChannel)
	r.POST("/channels/:id/claim", validation.ChannelParamMiddleware(), h.ClaimChannel)
	r.POST("/channels/:id/reclaim", validation.ChannelParamMiddleware(), h.ReclaimChannel)
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type transferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

type openRequest struct {
	Recipient  string `json:"recipient" binding:"required"`
	Value      string `json:"value" binding:"required"`
	Expiration int64  `json:"expiration"`
	ReplicaID  string `json:"replicaId"`
}

type depositAndOpenRequest struct {
	Deposit string `json:"deposit" binding:"required"`
	openRequest
}

type extendRequest struct {
	Amount        string  `json:"amount" binding:"required"`
	NewExpiration int64   `json:"newExpiration"`
	ExpectedNonce *uint64 `json:"expectedNonce"`
}

type claimRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Nonce    uint64 `json:"nonce"`
	Proof    string `json:"proof" binding:"required"`
	Sendback bool   `json:"sendback"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k Kind) int {
	switch k {
	case KindInvalidAmount, KindInvalidAccount, KindInvalidExpiration, KindNoOp, KindEmptyChannel:
		return http.StatusBadRequest
	case KindUnauthorized, KindInvalidProof:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNonceMismatch, KindAlreadyClosed, KindNotYetExpired:
		return http.StatusConflict
	case KindInsufficientBalance, KindOverflow, KindUnderflow:
		return http.StatusUnprocessableEntity
	case KindTransferFailed:
		return http.StatusBadGateway
	case KindHalted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindInternal {
		msg = "internal error"
	}
	c.JSON(statusFor(kind), gin.H{
		"error":   string(kind),
		"message": msg,
	})
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func validate(c *gin.Context, validators ...func() *validation.ValidationError) bool {
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

// mustAmount parses a field already checked by validation.ValidAmount.
func mustAmount(s string) *uint256.Int {
	v, err := amount.Parse(s)
	if err != nil {
		return nil
	}
	return v
}

func balanceResponse(res *BalanceChange) gin.H {
	out := gin.H{"account": res.Account, "balance": res.Balance}
	if res.Receipt != nil {
		out["receipt"] = res.Receipt
	}
	return out
}

// Deposit handles POST /v1/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req amountRequest
	if !bindJSON(c, &req) || !validate(c, validation.ValidAmount("amount", req.Amount)) {
		return
	}

	res, err := h.service.Deposit(c.Request.Context(), auth.Caller(c), mustAmount(req.Amount))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse(res))
}

// Withdraw handles POST /v1/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req amountRequest
	if !bindJSON(c, &req) || !validate(c, validation.ValidAmount("amount", req.Amount)) {
		return
	}

	res, err := h.service.Withdraw(c.Request.Context(), auth.Caller(c), mustAmount(req.Amount))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse(res))
}

// Transfer handles POST /v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req transferRequest
	if !bindJSON(c, &req) || !validate(c,
		validation.ValidAddress("to", req.To),
		validation.ValidAmount("amount", req.Amount),
	) {
		return
	}

	res, err := h.service.Transfer(c.Request.Context(), auth.Caller(c), req.To, mustAmount(req.Amount))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse(res))
}

func validateOpen(req openRequest) []func() *validation.ValidationError {
	return []func() *validation.ValidationError{
		validation.ValidAddress("recipient", req.Recipient),
		validation.ValidAmount("value", req.Value),
		validation.ValidUnixTime("expiration", req.Expiration),
		validation.MaxLength("replicaId", req.ReplicaID, validation.MaxReplicaIDLength),
	}
}

func (req openRequest) toService() OpenRequest {
	return OpenRequest{
		Recipient:  req.Recipient,
		Value:      mustAmount(req.Value),
		Expiration: req.Expiration,
		ReplicaID:  req.ReplicaID,
	}
}

// OpenChannel handles POST /v1/channels
func (h *Handler) OpenChannel(c *gin.Context) {
	var req openRequest
	if !bindJSON(c, &req) || !validate(c, validateOpen(req)...) {
		return
	}

	ch, err := h.service.OpenChannel(c.Request.Context(), auth.Caller(c), req.toService())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channel": ch.View()})
}

// DepositAndOpen handles POST /v1/channels/deposit-and-open
func (h *Handler) DepositAndOpen(c *gin.Context) {
	var req depositAndOpenRequest
	if !bindJSON(c, &req) {
		return
	}
	checks := append(validateOpen(req.openRequest), validation.ValidAmount("deposit", req.Deposit))
	if !validate(c, checks...) {
		return
	}

	ch, err := h.service.DepositAndOpen(c.Request.Context(), auth.Caller(c), mustAmount(req.Deposit), req.toService())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channel": ch.View()})
}

// ExtendChannel handles POST /v1/channels/:id/extend
func (h *Handler) ExtendChannel(c *gin.Context) {
	var req extendRequest
	if !bindJSON(c, &req) || !validate(c, validation.ValidAmount("amount", req.Amount)) {
		return
	}

	ch, err := h.service.ChannelExtend(c.Request.Context(), auth.Caller(c), ExtendRequest{
		ChannelID:     c.Param("id"),
		Amount:        mustAmount(req.Amount),
		NewExpiration: req.NewExpiration,
		ExpectedNonce: req.ExpectedNonce,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch.View()})
}

// ClaimChannel handles POST /v1/channels/:id/claim
func (h *Handler) ClaimChannel(c *gin.Context) {
	var req claimRequest
	if !bindJSON(c, &req) || !validate(c,
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("proof", req.Proof, 132),
	) {
		return
	}

	res, err := h.service.ChannelClaim(c.Request.Context(), auth.Caller(c), ClaimRequest{
		ChannelID: c.Param("id"),
		Amount:    mustAmount(req.Amount),
		Nonce:     req.Nonce,
		Proof:     req.Proof,
		Sendback:  req.Sendback,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel":  res.Channel.View(),
		"claimed":  amount.Format(res.Claimed),
		"returned": amount.Format(res.Returned),
	})
}

// ReclaimChannel handles POST /v1/channels/:id/reclaim
func (h *Handler) ReclaimChannel(c *gin.Context) {
	res, err := h.service.ChannelReclaim(c.Request.Context(), auth.Caller(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel":  res.Channel.View(),
		"released": amount.Format(res.Released),
	})
}

// GetBalance handles GET /v1/balances/:account
func (h *Handler) GetBalance(c *gin.Context) {
	acct := strings.ToLower(c.Param("account"))
	bal, err := h.service.GetBalance(c.Request.Context(), acct)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "balance": amount.Format(bal)})
}

// GetChannel handles GET /v1/channels/:id
func (h *Handler) GetChannel(c *gin.Context) {
	ch, err := h.service.GetChannel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch.View()})
}

// ListSenderChannels handles GET /v1/senders/:account/channels
func (h *Handler) ListSenderChannels(c *gin.Context) {
	sender := strings.ToLower(c.Param("account"))
	limit := pagination.ParseLimit(c.Query("limit"))
	from, err := pagination.Decode(c.Query("cursor"), sender)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed or belongs to another sender",
		})
		return
	}

	page, err := h.service.SenderChannelsPage(c.Request.Context(), sender, from, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(page, limit, sender, from)

	views := make([]channels.View, 0, len(page))
	for _, ch := range page {
		views = append(views, ch.View())
	}
	resp := gin.H{
		"channels": views,
		"count":    len(views),
		"hasMore":  more,
	}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetAudit handles GET /v1/audit. It serves the latest result and runs a
// check only when none has been taken yet.
func (h *Handler) GetAudit(c *gin.Context) {
	res := h.service.LastAudit()
	if res == nil {
		var err error
		res, err = h.service.Audit(c.Request.Context())
		if res == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "audit_unavailable",
				"message": err.Error(),
			})
			return
		}
	}

	halted, reason := h.service.Halted()
	resp := gin.H{"audit": res, "halted": halted}
	if halted {
		resp["haltReason"] = reason
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	c.JSON(status, resp)
}
