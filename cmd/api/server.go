package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/enrollment"
	"github.com/mcclellann/microcredit/pkg/lending"
	"github.com/mcclellann/microcredit/pkg/logger"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/savings"
)

// Server exposes the lending, savings and enrollment services over HTTP.
type Server struct {
	lending    *lending.Service
	savings    *savings.Service
	enrollment *enrollment.Service
	log        *zap.Logger
}

func NewServer(l *lending.Service, s *savings.Service, e *enrollment.Service) *Server {
	return &Server{lending: l, savings: s, enrollment: e, log: logger.L().Named("http")}
}

// Routes builds the router for every endpoint.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/branches", s.createBranchHandler).Methods("POST")
	r.HandleFunc("/groups", s.createGroupHandler).Methods("POST")
	r.HandleFunc("/groups/{id}", s.getGroupHandler).Methods("GET")
	r.HandleFunc("/groups/{id}", s.updateGroupHandler).Methods("PATCH")
	r.HandleFunc("/members", s.createMemberHandler).Methods("POST")
	r.HandleFunc("/members/{id}", s.getMemberHandler).Methods("GET")
	r.HandleFunc("/members/{id}/status", s.setMemberStatusHandler).Methods("PUT")
	r.HandleFunc("/members/{id}/loans", s.memberLoansHandler).Methods("GET")
	r.HandleFunc("/members/{id}/payments", s.memberPaymentsHandler).Methods("GET")

	r.HandleFunc("/savings", s.openSavingsHandler).Methods("POST")
	r.HandleFunc("/savings/{id}", s.getSavingsHandler).Methods("GET")
	r.HandleFunc("/savings/{id}/statement", s.statementHandler).Methods("GET")
	r.HandleFunc("/savings/{id}/deposits", s.movementHandler(s.savings.Deposit)).Methods("POST")
	r.HandleFunc("/savings/{id}/withdrawals", s.movementHandler(s.savings.Withdraw)).Methods("POST")

	r.HandleFunc("/loans", s.pendingLoansHandler).Methods("GET")
	r.HandleFunc("/loans", s.applyHandler).Methods("POST")
	r.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/approve", s.approveHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/reject", s.rejectHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/disburse", s.disburseHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/write-off", s.writeOffHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/installments", s.installmentsHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/payments", s.collectHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/payments", s.paymentsHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/transactions", s.loanTransactionsHandler).Methods("GET")
	r.HandleFunc("/installments/{id}/quote", s.quoteHandler).Methods("GET")

	r.HandleFunc("/ledger/trial-balance", s.trialBalanceHandler).Methods("GET")
	r.HandleFunc("/jobs/sweep-overdue", s.sweepHandler).Methods("POST")
	return r
}

// actor is the staff member a state change is recorded against.
type actor struct {
	By     uuid.UUID `json:"by"`
	Reason string    `json:"reason"`
}

func (s *Server) createBranchHandler(w http.ResponseWriter, r *http.Request) {
	var req enrollment.BranchRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := s.enrollment.CreateBranch(r.Context(), req)
	s.respond(w, http.StatusCreated, b, err)
}

func (s *Server) createGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req enrollment.GroupRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := s.enrollment.CreateGroup(r.Context(), req)
	s.respond(w, http.StatusCreated, g, err)
}

func (s *Server) getGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := s.enrollment.Group(r.Context(), id)
	s.respond(w, http.StatusOK, g, err)
}

func (s *Server) updateGroupHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req enrollment.GroupUpdate
	if !decode(w, r, &req) {
		return
	}
	g, err := s.enrollment.UpdateGroup(r.Context(), id, req)
	s.respond(w, http.StatusOK, g, err)
}

func (s *Server) createMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req enrollment.MemberRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.enrollment.CreateMember(r.Context(), req)
	s.respond(w, http.StatusCreated, m, err)
}

func (s *Server) getMemberHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.enrollment.Profile(r.Context(), id)
	if err != nil {
		s.respond(w, 0, nil, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"member": p.Member, "savings": p.Savings, "group": p.Group}, nil)
}

func (s *Server) setMemberStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status models.MemberStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := s.enrollment.SetMemberStatus(r.Context(), id, req.Status)
	s.respond(w, http.StatusOK, m, err)
}

func (s *Server) memberLoansHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loans, err := s.lending.MemberLoans(r.Context(), id)
	s.respond(w, http.StatusOK, loans, err)
}

func (s *Server) memberPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payments, err := s.lending.MemberPayments(r.Context(), id)
	s.respond(w, http.StatusOK, payments, err)
}

func (s *Server) openSavingsHandler(w http.ResponseWriter, r *http.Request) {
	var req savings.OpenRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.savings.Open(r.Context(), req)
	s.respond(w, http.StatusCreated, a, err)
}

func (s *Server) getSavingsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.savings.Account(r.Context(), id)
	s.respond(w, http.StatusOK, a, err)
}

func (s *Server) statementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	txns, err := s.savings.Statement(r.Context(), id)
	s.respond(w, http.StatusOK, txns, err)
}

func (s *Server) movementHandler(apply func(context.Context, savings.MovementRequest) (*savings.Movement, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req savings.MovementRequest
		if !decode(w, r, &req) {
			return
		}
		req.AccountID = id
		m, err := apply(r.Context(), req)
		s.respond(w, http.StatusCreated, m, err)
	}
}

func (s *Server) pendingLoansHandler(w http.ResponseWriter, r *http.Request) {
	var branch *uuid.UUID
	if raw := r.URL.Query().Get("branch_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid branch_id")
			return
		}
		branch = &id
	}
	loans, err := s.lending.PendingLoans(r.Context(), branch)
	s.respond(w, http.StatusOK, loans, err)
}

func (s *Server) applyHandler(w http.ResponseWriter, r *http.Request) {
	var req lending.ApplyRequest
	if !decode(w, r, &req) {
		return
	}
	loan, err := s.lending.Apply(r.Context(), req)
	s.respond(w, http.StatusCreated, loan, err)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := s.lending.GetLoan(r.Context(), id)
	s.respond(w, http.StatusOK, loan, err)
}

func (s *Server) approveHandler(w http.ResponseWriter, r *http.Request) {
	id, a, ok := pathIDAndActor(w, r)
	if !ok {
		return
	}
	loan, err := s.lending.Approve(r.Context(), id, a.By)
	s.respond(w, http.StatusOK, loan, err)
}

func (s *Server) rejectHandler(w http.ResponseWriter, r *http.Request) {
	id, a, ok := pathIDAndActor(w, r)
	if !ok {
		return
	}
	loan, err := s.lending.Reject(r.Context(), id, a.By, a.Reason)
	s.respond(w, http.StatusOK, loan, err)
}

func (s *Server) disburseHandler(w http.ResponseWriter, r *http.Request) {
	id, a, ok := pathIDAndActor(w, r)
	if !ok {
		return
	}
	d, err := s.lending.Disburse(r.Context(), id, a.By)
	s.respond(w, http.StatusOK, d, err)
}

func (s *Server) writeOffHandler(w http.ResponseWriter, r *http.Request) {
	id, a, ok := pathIDAndActor(w, r)
	if !ok {
		return
	}
	loan, err := s.lending.WriteOff(r.Context(), id, a.By, a.Reason)
	s.respond(w, http.StatusOK, loan, err)
}

func (s *Server) installmentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	insts, err := s.lending.Installments(r.Context(), id)
	s.respond(w, http.StatusOK, insts, err)
}

func (s *Server) collectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req lending.CollectRequest
	if !decode(w, r, &req) {
		return
	}
	req.LoanID = id
	receipt, err := s.lending.CollectPayment(r.Context(), req)
	s.respond(w, http.StatusCreated, receipt, err)
}

func (s *Server) paymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payments, err := s.lending.Payments(r.Context(), id)
	s.respond(w, http.StatusOK, payments, err)
}

func (s *Server) loanTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	txns, err := s.lending.LoanTransactions(r.Context(), id)
	s.respond(w, http.StatusOK, txns, err)
}

func (s *Server) quoteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q, err := s.lending.QuoteInstallment(r.Context(), id)
	s.respond(w, http.StatusOK, q, err)
}

func (s *Server) trialBalanceHandler(w http.ResponseWriter, r *http.Request) {
	tb, err := s.lending.TrialBalance(r.Context())
	if err != nil {
		s.respond(w, 0, nil, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"accounts":      tb.Accounts,
		"total_debits":  tb.TotalDebits,
		"total_credits": tb.TotalCredits,
		"balanced":      tb.Balanced(),
	}, nil)
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lending.SweepOverdue(r.Context())
	s.respond(w, http.StatusOK, map[string]int{"installments_updated": n}, err)
}

// respond writes body with status, or maps err onto an HTTP status.
func (s *Server) respond(w http.ResponseWriter, status int, body any, err error) {
	if err != nil {
		var ae *apperr.Error
		switch apperr.KindOf(err) {
		case apperr.KindValidation:
			status = http.StatusBadRequest
		case apperr.KindBusinessRule:
			status = http.StatusUnprocessableEntity
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindConflict:
			status = http.StatusConflict
		default:
			s.log.Error("request failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		msg := err.Error()
		if errors.As(err, &ae) {
			msg = ae.Msg
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func pathIDAndActor(w http.ResponseWriter, r *http.Request) (uuid.UUID, actor, bool) {
	var a actor
	id, ok := pathID(w, r)
	if !ok {
		return uuid.Nil, a, false
	}
	if !decode(w, r, &a) {
		return uuid.Nil, a, false
	}
	return id, a, true
}
