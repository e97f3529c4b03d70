// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"dashchat/internal/dashscope"
)

// multipartOverhead is slack on top of the file size limit for the
// multipart framing and form fields.
const multipartOverhead = 64 * 1024

// fileUploadTimeout bounds one lease-upload-register round trip.
const fileUploadTimeout = 2 * time.Minute

// Error codes returned by the file endpoints.
const (
	CodeConfigError  = "CONFIG_ERROR"
	CodeNoFile       = "NO_FILE"
	CodeFileTooLarge = "FILE_TOO_LARGE"
	CodeUploadError  = "UPLOAD_ERROR"
)

// FileUploadResponse is returned after a successful upload. The file is
// registered but not yet parsed; clients poll the status endpoint until
// it reports ready.
type FileUploadResponse struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// FileStatusResponse is the parse state of a registered session file.
type FileStatusResponse struct {
	FileID    string `json:"fileId"`
	FileName  string `json:"fileName"`
	RawStatus string `json:"rawStatus"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// handleFileUpload handles POST /api/files/session.
//
// Accepts a single multipart "file" field, pushes it through the
// lease-upload-register sequence, and returns the session file id.
// Size and extension are rejected before any upstream call is made.
func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	files := s.files
	s.mu.RUnlock()

	if files == nil || !files.IsConfigured() {
		s.writeErrorCode(w, http.StatusInternalServerError, "file upload service is not configured", CodeConfigError)
		return
	}

	maxBytes := s.cfg.MaxFileBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeErrorCode(w, http.StatusBadRequest,
				fmt.Sprintf("file too large, maximum is %dMB", s.cfg.Files.MaxSizeMB), CodeFileTooLarge)
			return
		}
		s.writeErrorCode(w, http.StatusBadRequest, "no file provided", CodeNoFile)
		return
	}
	defer file.Close()

	fileName := header.Filename
	fileSize := header.Size

	if fileSize > maxBytes {
		s.writeErrorCode(w, http.StatusBadRequest,
			fmt.Sprintf("file too large, maximum is %dMB", s.cfg.Files.MaxSizeMB), CodeFileTooLarge)
		return
	}

	if !s.cfg.ExtensionAllowed(fileName) {
		s.writeErrorCode(w, http.StatusBadRequest, "file type not supported", CodeUploadError)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "failed to read file", CodeUploadError)
		return
	}

	sum := md5.Sum(data)
	fileMD5 := hex.EncodeToString(sum[:])

	log.Printf("FILE_UPLOAD | name=%s size=%d md5=%s", fileName, fileSize, fileMD5)

	ctx, cancel := context.WithTimeout(r.Context(), fileUploadTimeout)
	defer cancel()

	lease, err := files.ApplyFileUploadLease(ctx, fileName, fileSize, fileMD5)
	if err != nil {
		log.Printf("FILE_UPLOAD_ERROR | stage=lease name=%s error=%v", fileName, err)
		s.writeErrorCode(w, http.StatusInternalServerError, "file upload failed", CodeUploadError)
		return
	}

	if err := files.UploadToLease(ctx, lease, data); err != nil {
		log.Printf("FILE_UPLOAD_ERROR | stage=upload name=%s error=%v", fileName, err)
		s.writeErrorCode(w, http.StatusInternalServerError, "file upload failed", CodeUploadError)
		return
	}

	fileID, err := files.AddSessionFile(ctx, lease.LeaseID)
	if err != nil {
		log.Printf("FILE_UPLOAD_ERROR | stage=register name=%s error=%v", fileName, err)
		s.writeErrorCode(w, http.StatusInternalServerError, "file upload failed", CodeUploadError)
		return
	}

	log.Printf("FILE_UPLOAD_DONE | name=%s fileId=%s", fileName, fileID)

	s.writeJSON(w, http.StatusOK, FileUploadResponse{
		FileID:   fileID,
		FileName: fileName,
		Size:     fileSize,
		Status:   "UPLOADING",
		Message:  "file uploaded, parsing in progress",
	})
}

// handleFileStatus handles GET /api/files/session/{fileId}/status.
func (s *Server) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	files := s.files
	s.mu.RUnlock()

	if files == nil || !files.IsConfigured() {
		s.writeErrorCode(w, http.StatusInternalServerError, "file upload service is not configured", CodeConfigError)
		return
	}

	fileID := r.PathValue("fileId")
	if fileID == "" {
		s.writeError(w, http.StatusBadRequest, "missing file id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	info, err := files.DescribeFile(ctx, fileID)
	if err != nil {
		log.Printf("FILE_STATUS_ERROR | fileId=%s error=%v", fileID, err)
		s.writeError(w, http.StatusInternalServerError, "failed to query file status")
		return
	}

	status, message := fileStatusMessage(info.Status)

	s.writeJSON(w, http.StatusOK, FileStatusResponse{
		FileID:    fileID,
		FileName:  info.FileName,
		RawStatus: info.Status,
		Status:    status,
		Message:   message,
	})
}

// fileStatusMessage maps a raw parse state to the simplified state and a
// human-readable progress message.
func fileStatusMessage(raw string) (string, string) {
	switch raw {
	case dashscope.RawStatusInit:
		return dashscope.FileStatusProcessing, "initializing"
	case dashscope.RawStatusParsing:
		return dashscope.FileStatusProcessing, "parsing document"
	case dashscope.RawStatusParseSuccess:
		return dashscope.FileStatusProcessing, "parsed, building index"
	case dashscope.RawStatusReady:
		return dashscope.FileStatusReady, "file is ready"
	case dashscope.RawStatusParseFailed:
		return dashscope.FileStatusError, "document parsing failed"
	case dashscope.RawStatusSafeCheck:
		return dashscope.FileStatusError, "content safety check failed"
	case dashscope.RawStatusIndexFailed:
		return dashscope.FileStatusError, "index building failed"
	case dashscope.RawStatusExpired:
		return dashscope.FileStatusError, "file has expired"
	default:
		return dashscope.FileStatusUnknown, fmt.Sprintf("unknown state: %s", raw)
	}
}
