package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examhall/internal/model"
)

type createUserRequest struct {
	Username    string         `json:"username" validate:"required,max=64"`
	DisplayName string         `json:"display_name" validate:"max=200"`
	Password    string         `json:"password" validate:"required,min=8,max=72"`
	Role        model.UserRole `json:"role" validate:"required,oneof=student teacher proctor admin"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	existing, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if existing != nil {
		writeError(w, r, fmt.Errorf("%w: username %q is taken", model.ErrInvalidInput, req.Username))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}

	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	id, err := h.store.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type uploadResult struct {
	Filename string `json:"filename"`
	Imported int    `json:"imported"`
	Skipped  bool   `json:"skipped"`
}

// handleUploadQuestions imports a question-bank JSON file sent as the
// questions_file multipart field.
func (h *Handler) handleUploadQuestions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, r, fmt.Errorf("%w: file too large", model.ErrInvalidInput))
		return
	}

	file, header, err := r.FormFile("questions_file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: no file uploaded", model.ErrInvalidInput))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	name := "upload:" + strings.TrimSpace(header.Filename)
	n, skipped, err := h.store.ImportQuestions(r.Context(), name, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("uploaded questions via admin", "filename", header.Filename, "count", n, "skipped", skipped)
	writeJSON(w, http.StatusOK, uploadResult{Filename: header.Filename, Imported: n, Skipped: skipped})
}

func (h *Handler) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.store.ListDistinctTopics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, topics)
}
