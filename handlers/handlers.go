package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"vesting-market/allocation"
	"vesting-market/auth"
	"vesting-market/logger"
	"vesting-market/marketplace"
	"vesting-market/models"
	"vesting-market/service"
	"vesting-market/settings"
	"vesting-market/token"
	"vesting-market/units"
	"vesting-market/vesting"
	"vesting-market/whitelist"
)

// CallerHeader carries the address an API request acts as.
const CallerHeader = "X-Caller"

var (
	errBadRequest = errors.New("invalid request payload")
	errNoCaller   = errors.New("missing or invalid " + CallerHeader + " header")
)

// Handler contains the HTTP handlers for the vesting marketplace API
type Handler struct {
	Service *service.Service
}

// NewHandler creates and returns a new Handler instance
func NewHandler(s *service.Service) *Handler {
	return &Handler{Service: s}
}

type tokenRequest struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type amountRequest struct {
	To      common.Address `json:"to"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

type scheduleRequest struct {
	Token      common.Address `json:"token"`
	StartTime  int64          `json:"start_time"`
	EndTime    int64          `json:"end_time"`
	NumOfSteps uint64         `json:"num_of_steps"`
}

type vestingRequest struct {
	Holder common.Address `json:"holder"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

type listingRequest struct {
	Amount         *uint256.Int        `json:"amount"`
	PricePerUnit   *uint256.Int        `json:"price_per_unit"`
	DiscountPct    uint64              `json:"discount_pct"`
	ListingType    models.ListingType  `json:"listing_type"`
	DiscountType   models.DiscountType `json:"discount_type"`
	MaxWhitelist   uint64              `json:"max_whitelist"`
	Currency       common.Address      `json:"currency"`
	MinPurchaseAmt *uint256.Int        `json:"min_purchase_amt"`
	Private        bool                `json:"private"`
}

type purchaseRequest struct {
	Amount   *uint256.Int   `json:"amount"`
	Referrer common.Address `json:"referrer"`
}

type settingsRequest struct {
	BuyerFee           *uint64          `json:"buyer_fee"`
	SellerFee          *uint64          `json:"seller_fee"`
	ReferralFee        *uint64          `json:"referral_fee"`
	FeeCollector       *common.Address  `json:"fee_collector"`
	MinListingDuration *string          `json:"min_listing_duration"`
	PenaltyFee         *uint256.Int     `json:"penalty_fee"`
	Frozen             *bool            `json:"frozen"`
	SupportTokens      []common.Address `json:"support_tokens"`
	DropTokens         []common.Address `json:"drop_tokens"`
}

// CreateToken handles POST requests to register a new token
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	tok, err := h.Service.CreateToken(caller, req.Symbol, req.Decimals)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Token created successfully",
		"token":   tok,
	})
}

// Mint handles POST requests to credit new token supply
func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tok, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) || !requireAmount(w, req.Amount) {
		return
	}
	if err := h.Service.Mint(caller, tok, req.To, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Minted successfully"})
}

// Approve handles POST requests to set a spender allowance
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tok, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) || !requireAmount(w, req.Amount) {
		return
	}
	if err := h.Service.Approve(caller, tok, req.Spender, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Approved successfully"})
}

// Transfer handles POST requests to move the caller's tokens
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tok, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) || !requireAmount(w, req.Amount) {
		return
	}
	if err := h.Service.Transfer(caller, tok, req.To, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Transferred successfully"})
}

// GetToken handles GET requests for a token's metadata
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	meta, err := h.Service.Token(tok)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// GetAllowance handles GET requests for what a spender may move of an owner's tokens
func (h *Handler) GetAllowance(w http.ResponseWriter, r *http.Request) {
	tok, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	owner, ok := pathAddress(w, r, "owner")
	if !ok {
		return
	}
	spender, ok := pathAddress(w, r, "spender")
	if !ok {
		return
	}
	allowed, err := h.Service.Allowance(tok, owner, spender)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":     owner,
		"spender":   spender,
		"allowance": allowed,
	})
}

// GetBalance handles GET requests for a holder's token balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	tok, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	holder, ok := pathAddress(w, r, "holder")
	if !ok {
		return
	}
	bal, meta, err := h.Service.Balance(tok, holder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     meta,
		"holder":    holder,
		"balance":   bal,
		"formatted": units.Format(bal, meta.Decimals),
	})
}

// CreateSchedule handles POST requests to deploy a vesting schedule
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	sc, err := h.Service.CreateSchedule(caller, service.ScheduleRequest{
		Token:      req.Token,
		StartTime:  time.Unix(req.StartTime, 0),
		EndTime:    time.Unix(req.EndTime, 0),
		NumOfSteps: req.NumOfSteps,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":  "Schedule created successfully",
		"schedule": sc,
	})
}

// GetSchedule handles GET requests for a schedule
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	sc, err := h.Service.Schedule(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// SetVestingSettings handles PUT requests to change a schedule's sell rules
func (h *Handler) SetVestingSettings(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	var req models.VestingSettings
	if !decode(w, r, &req) {
		return
	}
	if err := h.Service.SetVestingSettings(caller, addr, req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Vesting settings updated",
		"settings": req,
	})
}

// CreateVesting handles POST requests to fund a holder's position
func (h *Handler) CreateVesting(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	var req vestingRequest
	if !decode(w, r, &req) || !requireAmount(w, req.Amount) {
		return
	}
	if err := h.Service.CreateVesting(caller, addr, req.Holder, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": "Vesting created successfully"})
}

// GetVesting handles GET requests for a holder's position
func (h *Handler) GetVesting(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	holder, ok := pathAddress(w, r, "holder")
	if !ok {
		return
	}
	v, err := h.Service.Vesting(addr, holder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetHolders handles GET requests listing a schedule's position holders
func (h *Handler) GetHolders(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	holders, err := h.Service.Holders(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"holders": holders})
}

// Claim handles POST requests to release matured entitlement to the caller
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	paid, err := h.Service.Claim(caller, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Claimed successfully",
		"amount":  paid,
	})
}

// TransferVesting handles POST requests to move unclaimed entitlement
func (h *Handler) TransferVesting(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	var req vestingRequest
	if !decode(w, r, &req) || !requireAmount(w, req.Amount) {
		return
	}
	if err := h.Service.TransferVesting(caller, addr, req.From, req.To, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Vesting transferred successfully"})
}

// GetAllocation handles GET requests for a holder's marketplace counters
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	holder, ok := pathAddress(w, r, "holder")
	if !ok {
		return
	}
	a, err := h.Service.Allocation(addr, holder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListVesting handles POST requests to open a listing
func (h *Handler) ListVesting(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	var req listingRequest
	if !decode(w, r, &req) || !requireAmount(w, req.Amount) || !requireAmount(w, req.PricePerUnit) {
		return
	}
	l, err := h.Service.ListVesting(caller, marketplace.ListingRequest{
		Schedule:       addr,
		Amount:         req.Amount,
		PricePerUnit:   req.PricePerUnit,
		DiscountPct:    req.DiscountPct,
		ListingType:    req.ListingType,
		DiscountType:   req.DiscountType,
		MaxWhitelist:   req.MaxWhitelist,
		Currency:       req.Currency,
		MinPurchaseAmt: req.MinPurchaseAmt,
		Private:        req.Private,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Listing created successfully",
		"listing": l,
	})
}

// GetListings handles GET requests for every listing of a schedule
func (h *Handler) GetListings(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return
	}
	listings := h.Service.Listings(addr)
	if listings == nil {
		listings = []models.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// GetListing handles GET requests for one listing
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	addr, id, ok := pathListing(w, r)
	if !ok {
		return
	}
	l, err := h.Service.Listing(addr, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// GetQuote handles GET requests pricing a prospective purchase
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	addr, id, ok := pathListing(w, r)
	if !ok {
		return
	}
	amount, err := uint256.FromDecimal(r.URL.Query().Get("amount"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}
	p, err := h.Service.Quote(addr, id, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pricing":        p,
		"buyer_pays":     p.BuyerPays(),
		"seller_gets":    p.SellerGets(),
		"collector_gets": p.CollectorGets(),
	})
}

// SpotPurchase handles POST requests to buy from a listing
func (h *Handler) SpotPurchase(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	addr, id, ok := pathListing(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if !decode(w, r, &req) || !requireAmount(w, req.Amount) {
		return
	}
	receipt, err := h.Service.SpotPurchase(caller, addr, id, req.Amount, req.Referrer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Purchase completed",
		"receipt": receipt,
	})
}

// UnlistVesting handles DELETE requests closing a listing
func (h *Handler) UnlistVesting(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	addr, id, ok := pathListing(w, r)
	if !ok {
		return
	}
	l, err := h.Service.UnlistVesting(caller, addr, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Listing closed",
		"listing": l,
	})
}

// RegisterWhitelist handles POST requests adding the caller to a whitelist
func (h *Handler) RegisterWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	wl, ok := pathAddress(w, r, "whitelist")
	if !ok {
		return
	}
	if err := h.Service.RegisterWhitelist(caller, wl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Registered successfully"})
}

// GetWhitelistMember handles GET requests checking whitelist membership
func (h *Handler) GetWhitelistMember(w http.ResponseWriter, r *http.Request) {
	wl, ok := pathAddress(w, r, "whitelist")
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	member, err := h.Service.IsWhitelisted(wl, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"whitelisted": member})
}

// GetWhitelist handles GET requests for a whitelist and its members
func (h *Handler) GetWhitelist(w http.ResponseWriter, r *http.Request) {
	wl, ok := pathAddress(w, r, "whitelist")
	if !ok {
		return
	}
	list, err := h.Service.Whitelist(wl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetInfo handles GET requests for the service's derived accounts
func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"custody":     h.Service.Custody(),
		"marketplace": h.Service.Marketplace(),
		"time":        h.Service.Now().Unix(),
	})
}

// GetSettings handles GET requests for the marketplace settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Settings())
}

// UpdateSettings handles PUT requests changing marketplace settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req settingsRequest
	if !decode(w, r, &req) {
		return
	}
	u := service.SettingsUpdate{
		BuyerFee:      req.BuyerFee,
		SellerFee:     req.SellerFee,
		ReferralFee:   req.ReferralFee,
		FeeCollector:  req.FeeCollector,
		PenaltyFee:    req.PenaltyFee,
		Frozen:        req.Frozen,
		SupportTokens: req.SupportTokens,
		DropTokens:    req.DropTokens,
	}
	if req.MinListingDuration != nil {
		d, err := time.ParseDuration(*req.MinListingDuration)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		u.MinListingDuration = &d
	}
	s, err := h.Service.UpdateSettings(caller, u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Settings updated",
		"settings": s,
	})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	v := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(v) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": errNoCaller.Error()})
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Logger.Error("Failed to decode request", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errBadRequest.Error()})
		return false
	}
	return true
}

func requireAmount(w http.ResponseWriter, v *uint256.Int) bool {
	if v == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount is required"})
		return false
	}
	return true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := mux.Vars(r)[name]
	if !common.IsHexAddress(v) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name + " address"})
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func pathListing(w http.ResponseWriter, r *http.Request) (common.Address, uint64, bool) {
	addr, ok := pathAddress(w, r, "schedule")
	if !ok {
		return common.Address{}, 0, false
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid listing id"})
		return common.Address{}, 0, false
	}
	return addr, id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Error("Failed to encode response", zap.Error(err))
	}
}

var statusByError = []struct {
	err    error
	status int
}{
	{auth.ErrUnauthorized, http.StatusForbidden},
	{vesting.ErrCustody, http.StatusForbidden},
	{marketplace.ErrNotWhitelisted, http.StatusForbidden},

	{service.ErrTokenNotFound, http.StatusNotFound},
	{service.ErrScheduleNotFound, http.StatusNotFound},
	{allocation.ErrUnknownSchedule, http.StatusNotFound},
	{marketplace.ErrListingNotFound, http.StatusNotFound},
	{marketplace.ErrWhitelistNotFound, http.StatusNotFound},

	{vesting.ErrNothingToClaim, http.StatusConflict},
	{vesting.ErrInsufficientAvailable, http.StatusConflict},
	{allocation.ErrNotSellable, http.StatusConflict},
	{allocation.ErrSellLimitExceeded, http.StatusConflict},
	{allocation.ErrInsufficientSold, http.StatusConflict},
	{marketplace.ErrMarketplaceFrozen, http.StatusConflict},
	{marketplace.ErrListingNotActive, http.StatusConflict},
	{marketplace.ErrInsufficientRemaining, http.StatusConflict},
	{whitelist.ErrWhitelistFull, http.StatusConflict},
	{whitelist.ErrAlreadyWhitelisted, http.StatusConflict},

	{marketplace.ErrPaymentFailed, http.StatusUnprocessableEntity},
	{marketplace.ErrPenaltyRequired, http.StatusUnprocessableEntity},
	{token.ErrInsufficientBalance, http.StatusUnprocessableEntity},
	{token.ErrInsufficientAllowance, http.StatusUnprocessableEntity},
	{settings.ErrFeeTooHigh, http.StatusUnprocessableEntity},
	{settings.ErrInvalidCollector, http.StatusUnprocessableEntity},

	{service.ErrPersist, http.StatusInternalServerError},
}

// writeError maps a service error to its HTTP status. Anything not listed
// is a validation failure.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			status = e.status
			break
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
