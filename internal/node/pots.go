package node

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"sunkcost/internal/chain"
)

func (s *Server) handlePots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	offset, limit, err := queryOffsetLimit(r, maxListQueryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := r.URL.Query().Get("status")
	pots, total, err := s.chain.GetPots(offset, limit, status)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"offset": offset,
		"count":  len(pots),
		"status": status,
		"pots":   pots,
	})
}

// handlePot serves /pots/count, /pots/{id} and the per-pot views
// /pots/{id}/owner, /pots/{id}/price and /pots/{id}/next-price.
func (s *Server) handlePot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/pots/"), "/")
	if rest == "count" {
		writeJSON(w, http.StatusOK, map[string]uint64{"potsCount": s.chain.PotsCount()})
		return
	}

	idRaw, view, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(idRaw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid pot id %q", idRaw))
		return
	}

	switch view {
	case "":
		p, err := s.chain.GetPot(id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case "owner":
		owner, err := s.chain.PotOwner(id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			PotID uint64        `json:"potId"`
			Owner chain.Address `json:"owner"`
		}{id, owner})
	case "price":
		price, err := s.chain.PotPrice(id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint64{"potId": id, "price": price})
	case "next-price":
		next, err := s.chain.NextPrice(id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint64{"potId": id, "nextPrice": next})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown pot view"))
	}
}
