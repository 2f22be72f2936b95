package authority

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/transfer"
	"github.com/shopstack/possync/internal/transport"
)

// Server exposes the Service over HTTP.
type Server struct {
	svc    *Service
	logger *zap.Logger
}

// NewServer creates a Server.
func NewServer(svc *Service, logger *zap.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sync/transactions/", s.handleSubmit)
	mux.HandleFunc("POST /api/sync/batch/", s.handleBatch)
	mux.HandleFunc("GET /api/sync/updates/", s.handlePull)
	mux.HandleFunc("GET /api/sync/health/", s.handleHealth)

	mux.HandleFunc("POST /api/transfers/", s.handleTransferCreate)
	mux.HandleFunc("GET /api/transfers/", s.handleTransferList)
	mux.HandleFunc("GET /api/transfers/{id}/", s.handleTransferGet)
	mux.HandleFunc("POST /api/transfers/{id}/send/", s.handleTransferSend)
	mux.HandleFunc("POST /api/transfers/{id}/receive/", s.handleTransferReceive)
	mux.HandleFunc("POST /api/transfers/{id}/resolve/", s.handleTransferResolve)
	mux.HandleFunc("POST /api/transfers/{id}/cancel/", s.handleTransferCancel)

	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req transport.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	verdict, err := s.svc.Submit(req)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transport.SubmitResponse{
		Status: verdict.Status,
		Error:  verdict.Reason,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req transport.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	results, err := s.svc.SyncBatch(req.Records)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transport.BatchResponse{Results: results})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var since models.Checkpoint
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = models.Checkpoint(parsed)
	}

	cs, err := s.svc.Pull(since)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type transferCreateRequest struct {
	SourceLocation string               `json:"source_location"`
	DestLocation   string               `json:"dest_location"`
	Notes          string               `json:"notes"`
	Lines          []transfer.LineInput `json:"lines"`
}

func (s *Server) handleTransferCreate(w http.ResponseWriter, r *http.Request) {
	var req transferCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	t, err := s.svc.Transfers().Create(req.SourceLocation, req.DestLocation, req.Notes, req.Lines)
	s.writeTransfer(w, http.StatusCreated, t, err)
}

func (s *Server) handleTransferList(w http.ResponseWriter, r *http.Request) {
	status := models.TransferStatus(r.URL.Query().Get("status"))
	transfers, err := s.svc.Transfers().List(status)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}

func (s *Server) handleTransferGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Transfers().Get(models.UUID(r.PathValue("id")))
	s.writeTransfer(w, http.StatusOK, t, err)
}

func (s *Server) handleTransferSend(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Transfers().Send(models.UUID(r.PathValue("id")))
	if err == nil {
		for _, line := range t.Lines {
			if ferr := s.svc.AnnounceStock(line.ProductID, t.SourceLocation); ferr != nil {
				s.serverError(w, ferr)
				return
			}
		}
	}
	s.writeTransfer(w, http.StatusOK, t, err)
}

func (s *Server) handleTransferReceive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lines []transfer.ReceiptLine `json:"lines"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	t, err := s.svc.Transfers().Receive(models.UUID(r.PathValue("id")), req.Lines)
	if err == nil {
		for _, line := range t.Lines {
			if ferr := s.svc.AnnounceStock(line.ProductID, t.DestLocation); ferr != nil {
				s.serverError(w, ferr)
				return
			}
		}
	}
	s.writeTransfer(w, http.StatusOK, t, err)
}

func (s *Server) handleTransferResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes       string                `json:"notes"`
		Resolutions []transfer.Resolution `json:"resolutions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	t, err := s.svc.Transfers().Resolve(models.UUID(r.PathValue("id")), req.Notes, req.Resolutions)
	s.writeTransfer(w, http.StatusOK, t, err)
}

func (s *Server) handleTransferCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Transfers().Cancel(models.UUID(r.PathValue("id")))
	s.writeTransfer(w, http.StatusOK, t, err)
}

func (s *Server) writeTransfer(w http.ResponseWriter, okStatus int, t *models.Transfer, err error) {
	if err != nil {
		switch apperrors.Code(err) {
		case apperrors.ErrTransferNotFound:
			s.writeError(w, http.StatusNotFound, err.Error())
		case apperrors.ErrStateConflict:
			s.writeError(w, http.StatusConflict, err.Error())
		case apperrors.ErrValidation, apperrors.ErrInsufficientStock:
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.serverError(w, err)
		}
		return
	}
	s.writeJSON(w, okStatus, t)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.logger.Error("internal error", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
