package routers

import (
	"net/http"

	"github.com/gorilla/mux"

	"vesting-market/handlers"
)

// RegisterRoutes sets up all the HTTP routes for the vesting marketplace
func RegisterRoutes(r *mux.Router, h *handlers.Handler, metrics http.Handler) {
	r.Use(handlers.RequestLogger)

	// Tokens: registration, supply and balances
	r.HandleFunc("/tokens", h.CreateToken).Methods("POST")
	r.HandleFunc("/tokens/{token}/mint", h.Mint).Methods("POST")
	r.HandleFunc("/tokens/{token}/approve", h.Approve).Methods("POST")
	r.HandleFunc("/tokens/{token}/transfer", h.Transfer).Methods("POST")
	r.HandleFunc("/tokens/{token}", h.GetToken).Methods("GET")
	r.HandleFunc("/tokens/{token}/balances/{holder}", h.GetBalance).Methods("GET")
	r.HandleFunc("/tokens/{token}/allowances/{owner}/{spender}", h.GetAllowance).Methods("GET")

	// Vesting schedules and positions
	r.HandleFunc("/schedules", h.CreateSchedule).Methods("POST")
	r.HandleFunc("/schedules/{schedule}", h.GetSchedule).Methods("GET")
	r.HandleFunc("/schedules/{schedule}/settings", h.SetVestingSettings).Methods("PUT")
	r.HandleFunc("/schedules/{schedule}/vestings", h.CreateVesting).Methods("POST")
	r.HandleFunc("/schedules/{schedule}/vestings", h.GetHolders).Methods("GET")
	r.HandleFunc("/schedules/{schedule}/vestings/{holder}", h.GetVesting).Methods("GET")
	r.HandleFunc("/schedules/{schedule}/claim", h.Claim).Methods("POST")
	r.HandleFunc("/schedules/{schedule}/transfers", h.TransferVesting).Methods("POST")
	r.HandleFunc("/schedules/{schedule}/allocations/{holder}", h.GetAllocation).Methods("GET")

	// Marketplace listings
	r.HandleFunc("/schedules/{schedule}/listings", h.ListVesting).Methods("POST")
	r.HandleFunc("/schedules/{schedule}/listings", h.GetListings).Methods("GET")
	r.HandleFunc("/schedules/{schedule}/listings/{id:[0-9]+}", h.GetListing).Methods("GET")
	r.HandleFunc("/schedules/{schedule}/listings/{id:[0-9]+}", h.UnlistVesting).Methods("DELETE")
	r.HandleFunc("/schedules/{schedule}/listings/{id:[0-9]+}/quote", h.GetQuote).Methods("GET")
	r.HandleFunc("/schedules/{schedule}/listings/{id:[0-9]+}/purchase", h.SpotPurchase).Methods("POST")

	// Private listing whitelists
	r.HandleFunc("/whitelists/{whitelist}", h.GetWhitelist).Methods("GET")
	r.HandleFunc("/whitelists/{whitelist}/register", h.RegisterWhitelist).Methods("POST")
	r.HandleFunc("/whitelists/{whitelist}/members/{address}", h.GetWhitelistMember).Methods("GET")

	// Marketplace settings and accounts
	r.HandleFunc("/info", h.GetInfo).Methods("GET")
	r.HandleFunc("/settings", h.GetSettings).Methods("GET")
	r.HandleFunc("/settings", h.UpdateSettings).Methods("PUT")

	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}
}
