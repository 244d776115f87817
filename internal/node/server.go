package node

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sunkcost/internal/chain"
	"sunkcost/internal/events"
	"sunkcost/internal/pot"
)

const maxListQueryLimit = 1_000

type Server struct {
	chain           *chain.Chain
	mux             *http.ServeMux
	handler         http.Handler
	log             logr.Logger
	adminToken      string
	allowDevSigning bool
	dispatcher      *events.Dispatcher
	hub             *events.Hub
	maxEventBacklog int
	metrics         http.Handler
}

type Config struct {
	AdminToken      string
	AllowDevSigning bool
	// Dispatcher and Hub are optional. Without a dispatcher readiness only
	// reflects the ledger; without a hub /events is disabled.
	Dispatcher      *events.Dispatcher
	Hub             *events.Hub
	MaxEventBacklog int
	Logger          logr.Logger
}

func NewServer(c *chain.Chain, cfg Config) *Server {
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	backlog := cfg.MaxEventBacklog
	if backlog <= 0 && cfg.Dispatcher != nil {
		backlog = cfg.Dispatcher.Capacity() * 3 / 4
	}

	var counters eventCounters
	if cfg.Dispatcher != nil {
		counters = cfg.Dispatcher
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newLedgerCollector(c, counters),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		chain:           c,
		mux:             http.NewServeMux(),
		log:             log.WithName("http"),
		adminToken:      cfg.AdminToken,
		allowDevSigning: cfg.AllowDevSigning,
		dispatcher:      cfg.Dispatcher,
		hub:             cfg.Hub,
		maxEventBacklog: backlog,
		metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	s.routes()
	s.handler = withRequestLog(s.log, s.mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/readyz", s.handleReadyz)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/metrics.json", s.handleMetricsJSON)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/accounts/", s.handleAccount)
	s.mux.HandleFunc("/nonce/", s.handleNonce)
	s.mux.HandleFunc("/blocks", s.handleBlocks)
	s.mux.HandleFunc("/tx", s.handleSubmitTx)
	s.mux.HandleFunc("/tx/sign", s.handleSignTx)
	s.mux.HandleFunc("/tx/sign-and-submit", s.handleSignAndSubmit)
	s.mux.HandleFunc("/wallets", s.handleWalletNew)
	s.mux.HandleFunc("/pots", s.handlePots)
	s.mux.HandleFunc("/pots/", s.handlePot)
	s.mux.HandleFunc("/dev/advance-time", s.handleAdvanceTime)
	s.mux.HandleFunc("/events", s.handleEvents)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	status := s.chain.GetStatus()
	ready := true
	reason := "ok"
	resp := map[string]any{
		"height":   status.Height,
		"headHash": status.HeadHash,
	}
	if s.dispatcher != nil {
		pending := s.dispatcher.Pending()
		resp["eventBacklog"] = pending
		resp["maxEventBacklog"] = s.maxEventBacklog
		resp["droppedEvents"] = s.dispatcher.Dropped()
		if pending > s.maxEventBacklog {
			ready = false
			reason = fmt.Sprintf("event backlog %d exceeds threshold %d", pending, s.maxEventBacklog)
		}
	}
	resp["ready"] = ready
	resp["reason"] = reason
	if ready {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.chain.GetMetrics())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.chain.GetStatus())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	addr := strings.TrimPrefix(r.URL.Path, "/accounts/")
	if addr == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing account address"))
		return
	}
	acc, ok := s.chain.GetAccount(chain.Address(addr))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("account %s not found", addr))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	addr := strings.TrimPrefix(r.URL.Path, "/nonce/")
	if addr == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing account address"))
		return
	}
	nonce, err := s.chain.NextNonce(chain.Address(addr))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"nextNonce": nonce})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	from := queryInt(r, "from", 0)
	limit := min(queryInt(r, "limit", 20), maxListQueryLimit)
	writeJSON(w, http.StatusOK, s.chain.GetBlocks(from, limit))
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		txID := strings.TrimSpace(r.URL.Query().Get("id"))
		if txID == "" {
			writeError(w, http.StatusBadRequest, errors.New("missing tx id"))
			return
		}
		record, ok := s.chain.GetTransaction(txID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("transaction %s not found", txID))
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodPost:
		idempotent, err := queryBool(r, "idempotent", false)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var tx chain.Transaction
		if err := decodeJSON(r, &tx); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		receipt, err := s.chain.SubmitTx(tx)
		if err != nil {
			if idempotent && errors.Is(err, chain.ErrTransactionCommitted) {
				if record, ok := s.chain.GetTransaction(tx.ID()); ok {
					writeJSON(w, http.StatusOK, map[string]any{
						"ok":         true,
						"idempotent": true,
						"duplicate":  true,
						"receipt":    record.Receipt,
					})
					return
				}
			}
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "receipt": receipt})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleWalletNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowDevSigning {
		writeError(w, http.StatusForbidden, errors.New("wallet generation endpoint is disabled"))
		return
	}
	key, err := chain.GenerateKeyPair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type signRequest struct {
	PrivateKey string        `json:"privateKey"`
	Kind       string        `json:"kind"`
	To         chain.Address `json:"to"`
	Amount     uint64        `json:"amount"`
	Nonce      uint64        `json:"nonce"`
	Timestamp  int64         `json:"timestamp"`
	PotID      uint64        `json:"potId"`
	Params     *pot.Config   `json:"params"`
}

// buildSignedTx fills in the sender and, when omitted, the next nonce.
func (s *Server) buildSignedTx(req signRequest) (chain.Transaction, error) {
	if req.PrivateKey == "" {
		return chain.Transaction{}, errors.New("missing privateKey")
	}
	key, err := chain.KeyPairFromPrivateKey(req.PrivateKey)
	if err != nil {
		return chain.Transaction{}, err
	}
	if req.Nonce == 0 {
		nonce, err := s.chain.NextNonce(key.Address)
		if err != nil {
			return chain.Transaction{}, err
		}
		req.Nonce = nonce
	}
	tx := chain.Transaction{
		Kind:      req.Kind,
		From:      key.Address,
		To:        req.To,
		Amount:    req.Amount,
		Nonce:     req.Nonce,
		Timestamp: req.Timestamp,
		PotID:     req.PotID,
		Params:    req.Params,
	}
	if err := chain.SignTransaction(&tx, req.PrivateKey); err != nil {
		return chain.Transaction{}, err
	}
	return tx, nil
}

func (s *Server) handleSignTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowDevSigning {
		writeError(w, http.StatusForbidden, errors.New("tx signing endpoint is disabled"))
		return
	}
	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := s.buildSignedTx(req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tx":   tx,
		"txId": tx.ID(),
	})
}

func (s *Server) handleSignAndSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowDevSigning {
		writeError(w, http.StatusForbidden, errors.New("sign-and-submit endpoint is disabled"))
		return
	}
	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := s.buildSignedTx(req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	receipt, err := s.chain.SubmitTx(tx)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tx":      tx,
		"receipt": receipt,
	})
}

func (s *Server) handleAdvanceTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	if !s.chain.CanAdvanceTime() {
		writeError(w, http.StatusForbidden, chain.ErrClockNotSteppable)
		return
	}
	var req struct {
		Seconds uint64 `json:"seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Seconds == 0 {
		writeError(w, http.StatusBadRequest, errors.New("seconds must be > 0"))
		return
	}
	if req.Seconds > uint64((1<<63-1)/time.Second) {
		writeError(w, http.StatusBadRequest, errors.New("seconds out of range"))
		return
	}
	now, err := s.chain.AdvanceTime(time.Duration(req.Seconds) * time.Second)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"now":   now.Unix(),
		"nowMs": now.UnixMilli(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusNotFound, errors.New("event stream is disabled"))
		return
	}
	s.hub.ServeHTTP(w, r)
}

// statusForError maps ledger and pot errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pot.ErrPotNotFound), errors.Is(err, chain.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, pot.ErrAlreadyClaimed), errors.Is(err, chain.ErrTransactionCommitted):
		return http.StatusConflict
	case errors.Is(err, pot.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, pot.ErrBidTooLow),
		errors.Is(err, pot.ErrPotExpired),
		errors.Is(err, pot.ErrNotExpired),
		errors.Is(err, pot.ErrInvalidDeposit),
		errors.Is(err, pot.ErrInvalidParameters),
		errors.Is(err, chain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}
