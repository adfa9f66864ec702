package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"orbitmarket/native/dispute"
	"orbitmarket/native/market"
)

func parseHex(value string, want int) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid hex value: %w", err)
	}
	if len(decoded) != want {
		return nil, fmt.Errorf("rpc: expected %d bytes, got %d", want, len(decoded))
	}
	return decoded, nil
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	decoded, err := parseHex(value, len(addr))
	if err != nil {
		return addr, err
	}
	copy(addr[:], decoded)
	return addr, nil
}

func parseHash(value string) ([32]byte, error) {
	var hash [32]byte
	decoded, err := parseHex(value, len(hash))
	if err != nil {
		return hash, err
	}
	copy(hash[:], decoded)
	return hash, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("rpc: invalid decimal amount %q", value)
	}
	return amount, nil
}

func (s *Server) decode(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("rpc: decode request: %w", err)
	}
	return nil
}

func (s *Server) txID(r *http.Request) ([32]byte, error) {
	return parseHash(chi.URLParam(r, "id"))
}

type transactionView struct {
	ID        string  `json:"id"`
	Buyer     string  `json:"buyer"`
	Seller    string  `json:"seller"`
	Listing   string  `json:"listing"`
	Currency  string  `json:"currency"`
	Price     string  `json:"price"`
	Rate      uint8   `json:"rate"`
	Funded    bool    `json:"funded"`
	State     string  `json:"state"`
	Reviews   [2]bool `json:"reviews"`
	Shipping  string  `json:"shipping"`
	Escrow    string  `json:"escrow"`
	CreatedAt int64   `json:"created_at"`
}

func newTransactionView(tx *market.Transaction) transactionView {
	return transactionView{
		ID:        "0x" + hex.EncodeToString(tx.ID[:]),
		Buyer:     "0x" + hex.EncodeToString(tx.Buyer[:]),
		Seller:    "0x" + hex.EncodeToString(tx.Seller[:]),
		Listing:   "0x" + hex.EncodeToString(tx.Listing[:]),
		Currency:  tx.Currency,
		Price:     tx.Price.String(),
		Rate:      tx.Rate,
		Funded:    tx.Funded,
		State:     tx.State.String(),
		Reviews:   [2]bool{tx.Reviews.Buyer, tx.Reviews.Seller},
		Shipping:  "0x" + hex.EncodeToString(tx.Shipping[:]),
		Escrow:    "0x" + hex.EncodeToString(tx.Escrow[:]),
		CreatedAt: tx.CreatedAt,
	}
}

type openRequest struct {
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	ListingID   string `json:"listing_id"`
	UseDiscount bool   `json:"use_discount"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	listingID, err := parseHash(req.ListingID)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	tx, err := s.node.MarketOpen(buyer, seller, listingID, req.UseDiscount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newTransactionView(tx))
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) callerOp(w http.ResponseWriter, r *http.Request, op func(txID [32]byte, caller [20]byte) error) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req callerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := op(txID, caller); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.callerOp(w, r, s.node.MarketFund)
}

type shipRequest struct {
	Caller  string `json:"caller"`
	Payload string `json:"payload"`
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req shipRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	raw := strings.TrimPrefix(strings.TrimSpace(req.Payload), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) > market.ShippingPayloadSize {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("rpc: shipping payload must be at most %d hex-encoded bytes", market.ShippingPayloadSize))
		return
	}
	var payload [market.ShippingPayloadSize]byte
	copy(payload[:], decoded)
	if err := s.node.MarketShip(txID, caller, payload); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	s.callerOp(w, r, s.node.MarketConfirmDelivery)
}

func (s *Server) handleConfirmProduct(w http.ResponseWriter, r *http.Request) {
	s.callerOp(w, r, s.node.MarketConfirmProduct)
}

type closeRequest struct {
	Caller   string `json:"caller"`
	Referral string `json:"referral,omitempty"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req closeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var referral *[20]byte
	if strings.TrimSpace(req.Referral) != "" {
		target, err := parseAddress(req.Referral)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		referral = &target
	}
	if err := s.node.MarketClose(txID, caller, referral); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.callerOp(w, r, s.node.MarketDecline)
}

type disputeOpenRequest struct {
	Opener    string `json:"opener"`
	Threshold uint8  `json:"threshold"`
}

func (s *Server) handleDisputeOpen(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req disputeOpenRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	opener, err := parseAddress(req.Opener)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.MarketOpenDispute(txID, opener, req.Threshold); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "frozen"})
}

type disputeResolveRequest struct {
	Favor string `json:"favor"`
}

func (s *Server) handleDisputeResolve(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req disputeResolveRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	favor, err := parseAddress(req.Favor)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.MarketResolveDispute(txID, favor); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleDisputeClose(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.MarketCloseDispute(txID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Rating   uint8  `json:"rating"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req reviewRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	reviewer, err := parseAddress(req.Reviewer)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.node.MarketLeaveReview(txID, reviewer, req.Rating); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleTransactionGet(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	tx, err := s.node.MarketGet(txID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTransactionView(tx))
}

type disputeView struct {
	ID          string `json:"id"`
	Transaction string `json:"transaction"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Threshold   uint8  `json:"threshold"`
	Funder      string `json:"funder"`
	State       string `json:"state"`
	Favor       string `json:"favor"`
	OpenedAt    int64  `json:"opened_at"`
}

func (s *Server) handleDisputeGet(w http.ResponseWriter, r *http.Request) {
	txID, err := s.txID(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	record, err := s.node.DisputeGet(txID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	state := "open"
	if record.State == dispute.StateResolved {
		state = "resolved"
	}
	s.writeJSON(w, http.StatusOK, disputeView{
		ID:          "0x" + hex.EncodeToString(record.ID[:]),
		Transaction: "0x" + hex.EncodeToString(record.Transaction[:]),
		Buyer:       "0x" + hex.EncodeToString(record.Buyer[:]),
		Seller:      "0x" + hex.EncodeToString(record.Seller[:]),
		Threshold:   record.Threshold,
		Funder:      "0x" + hex.EncodeToString(record.Funder[:]),
		State:       state,
		Favor:       "0x" + hex.EncodeToString(record.Favor[:]),
		OpenedAt:    record.OpenedAt,
	})
}

type listingView struct {
	ID        string `json:"id"`
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	Quantity  uint32 `json:"quantity"`
	TimesSold uint64 `json:"times_sold"`
	Active    bool   `json:"active"`
}

func (s *Server) handleListingGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	listing, err := s.node.ListingGet(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listingView{
		ID:        "0x" + hex.EncodeToString(listing.ID[:]),
		Seller:    "0x" + hex.EncodeToString(listing.Seller[:]),
		Price:     listing.Price.String(),
		Currency:  listing.Currency,
		Quantity:  listing.Quantity,
		TimesSold: listing.TimesSold,
		Active:    listing.Active,
	})
}

type accountView struct {
	Nonce            uint64 `json:"nonce"`
	BalanceORB       string `json:"balance_orb"`
	BalanceOSD       string `json:"balance_osd"`
	DiscountCredits  uint32 `json:"discount_credits"`
	ReferralLink     string `json:"referral_link"`
	ReputationScore  uint64 `json:"reputation_score"`
	ReputationCount  uint64 `json:"reputation_count"`
	TransactionCount uint64 `json:"transaction_count"`
	OpenTransaction  string `json:"open_transaction"`
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	acc, err := s.node.AccountGet(addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accountView{
		Nonce:            acc.Nonce,
		BalanceORB:       acc.BalanceORB.String(),
		BalanceOSD:       acc.BalanceOSD.String(),
		DiscountCredits:  acc.DiscountCredits,
		ReferralLink:     "0x" + hex.EncodeToString(acc.ReferralLink[:]),
		ReputationScore:  acc.ReputationScore,
		ReputationCount:  acc.ReputationCount,
		TransactionCount: acc.TransactionCount,
		OpenTransaction:  "0x" + hex.EncodeToString(acc.OpenTransaction[:]),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Events())
}

type seedListingRequest struct {
	ID       string `json:"id,omitempty"`
	Seller   string `json:"seller"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	Quantity uint32 `json:"quantity"`
}

func (s *Server) handleSeedListing(w http.ResponseWriter, r *http.Request) {
	var req seedListingRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var id [32]byte
	if strings.TrimSpace(req.ID) != "" {
		id, err = parseHash(req.ID)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	} else {
		salt := uuid.New()
		id = ethcrypto.Keccak256Hash([]byte("orbit_listing"), seller[:], salt[:])
	}
	listing := &market.Listing{
		ID:       id,
		Seller:   seller,
		Price:    price,
		Currency: req.Currency,
		Quantity: req.Quantity,
		Active:   true,
	}
	if err := s.node.SeedListing(listing); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": "0x" + hex.EncodeToString(id[:])})
}

type seedAccountRequest struct {
	Address         string `json:"address"`
	BalanceORB      string `json:"balance_orb,omitempty"`
	BalanceOSD      string `json:"balance_osd,omitempty"`
	DiscountCredits uint32 `json:"discount_credits,omitempty"`
	ReferralLink    string `json:"referral_link,omitempty"`
}

func (s *Server) handleSeedAccount(w http.ResponseWriter, r *http.Request) {
	var req seedAccountRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	balanceORB, err := parseAmount(req.BalanceORB)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	balanceOSD, err := parseAmount(req.BalanceOSD)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	acc, err := s.node.AccountGet(addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	acc.BalanceORB = balanceORB
	acc.BalanceOSD = balanceOSD
	acc.DiscountCredits = req.DiscountCredits
	if strings.TrimSpace(req.ReferralLink) != "" {
		link, err := parseAddress(req.ReferralLink)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		acc.ReferralLink = link
	}
	if err := s.node.SeedAccount(addr, acc); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Module) == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("rpc: module name required"))
		return
	}
	s.node.SetPaused(req.Module, req.Paused)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
