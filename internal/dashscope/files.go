// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashscope

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// File service constants. The session-file pipeline registers uploads
// under a fixed category so the completion API can reference them via
// rag_options.
const (
	// DefaultFileEndpoint is the Bailian OpenAPI host for file operations.
	DefaultFileEndpoint = "bailian.cn-beijing.aliyuncs.com"

	// bailianAPIVersion is the OpenAPI version for the data center calls.
	bailianAPIVersion = "2023-12-29"

	// fileCategoryID is the category uploads are leased under.
	fileCategoryID = "default"

	// fileCategoryType marks uploads as session-scoped.
	fileCategoryType = "SESSION_FILE"

	// fileParser is the document parser applied to registered files.
	fileParser = "DASHSCOPE_DOCMIND"

	// SessionFileIDPrefix is the prefix of valid session file ids.
	SessionFileIDPrefix = "file_session_"
)

// Raw parse states reported by DescribeFile.
const (
	RawStatusInit         = "INIT"
	RawStatusParsing      = "PARSING"
	RawStatusParseSuccess = "PARSE_SUCCESS"
	RawStatusReady        = "FILE_IS_READY"
	RawStatusParseFailed  = "PARSE_FAILED"
	RawStatusSafeCheck    = "SAFE_CHECK_FAILED"
	RawStatusIndexFailed  = "INDEX_BUILDING_FAILED"
	RawStatusExpired      = "FILE_EXPIRED"
)

// Simplified file states exposed to clients.
const (
	FileStatusProcessing = "processing"
	FileStatusReady      = "ready"
	FileStatusError      = "error"
	FileStatusUnknown    = "unknown"
)

// ErrFilesNotConfigured indicates the file service key pair is not set.
var ErrFilesNotConfigured = errors.New("Bailian file service credentials not configured")

// SimplifyFileStatus maps a raw parse state to the simplified state.
func SimplifyFileStatus(raw string) string {
	switch raw {
	case RawStatusInit, RawStatusParsing, RawStatusParseSuccess:
		return FileStatusProcessing
	case RawStatusReady:
		return FileStatusReady
	case RawStatusParseFailed, RawStatusSafeCheck, RawStatusIndexFailed, RawStatusExpired:
		return FileStatusError
	default:
		return FileStatusUnknown
	}
}

// IsSessionFileID reports whether an id is a registered session file id.
func IsSessionFileID(id string) bool {
	return strings.HasPrefix(id, SessionFileIDPrefix)
}

// FilterSessionFileIDs keeps only valid session file ids.
func FilterSessionFileIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if IsSessionFileID(id) {
			out = append(out, id)
		}
	}
	return out
}

// =============================================================================
// FILE CLIENT
// =============================================================================

// LeaseParam carries the pre-signed upload target of a lease.
type LeaseParam struct {
	URL     string            `json:"Url"`
	Method  string            `json:"Method"`
	Headers map[string]string `json:"Headers"`
}

// UploadLease is the result of ApplyFileUploadLease.
type UploadLease struct {
	LeaseID string     `json:"FileUploadLeaseId"`
	Param   LeaseParam `json:"Param"`
}

// FileInfo is the result of DescribeFile.
type FileInfo struct {
	FileID   string `json:"FileId"`
	FileName string `json:"FileName"`
	Status   string `json:"Status"`
}

// FileClient talks to the Bailian OpenAPI file service. Requests are
// signed with the ACS3-HMAC-SHA256 scheme.
type FileClient struct {
	accessKeyID     string
	accessKeySecret string
	endpoint        string
	workspaceID     string
	scheme          string
	httpClient      *http.Client
	uploadClient    *http.Client
}

// NewFileClient creates a file service client. With an empty key pair
// the client is created but all calls fail with ErrFilesNotConfigured.
func NewFileClient(accessKeyID, accessKeySecret, endpoint, workspaceID string) *FileClient {
	if endpoint == "" {
		endpoint = DefaultFileEndpoint
	}
	return &FileClient{
		accessKeyID:     strings.TrimSpace(accessKeyID),
		accessKeySecret: strings.TrimSpace(accessKeySecret),
		endpoint:        endpoint,
		workspaceID:     workspaceID,
		scheme:          "https",
		httpClient:      sharedHTTPClient,
		uploadClient:    sharedHTTPClient,
	}
}

// WithScheme overrides the URL scheme. Used by tests against plain-HTTP
// fakes.
func (c *FileClient) WithScheme(scheme string) *FileClient {
	c.scheme = scheme
	return c
}

// IsConfigured returns true if the client has credentials.
func (c *FileClient) IsConfigured() bool {
	return c.accessKeyID != "" && c.accessKeySecret != ""
}

// ApplyFileUploadLease requests a pre-signed upload slot for a file.
func (c *FileClient) ApplyFileUploadLease(ctx context.Context, fileName string, sizeInBytes int64, md5sum string) (*UploadLease, error) {
	if !c.IsConfigured() {
		return nil, ErrFilesNotConfigured
	}

	path := fmt.Sprintf("/%s/datacenter/category/%s", c.workspaceID, fileCategoryID)
	body := map[string]string{
		"FileName":     fileName,
		"SizeInBytes":  fmt.Sprintf("%d", sizeInBytes),
		"Md5":          md5sum,
		"CategoryType": fileCategoryType,
	}

	var resp struct {
		Data      UploadLease `json:"Data"`
		RequestID string      `json:"RequestId"`
	}
	if err := c.call(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("apply upload lease: %w", err)
	}
	if resp.Data.LeaseID == "" {
		return nil, fmt.Errorf("apply upload lease: empty lease id (request %s)", resp.RequestID)
	}
	return &resp.Data, nil
}

// UploadToLease PUTs the file bytes to the lease's pre-signed URL using
// the method and headers the lease dictates.
func (c *FileClient) UploadToLease(ctx context.Context, lease *UploadLease, data []byte) error {
	method := lease.Param.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, lease.Param.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	for k, v := range lease.Param.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// AddSessionFile registers an uploaded lease as a session file and
// returns the generated file id (file_session_ prefixed).
func (c *FileClient) AddSessionFile(ctx context.Context, leaseID string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrFilesNotConfigured
	}

	path := fmt.Sprintf("/%s/datacenter/file", c.workspaceID)
	body := map[string]string{
		"LeaseId":      leaseID,
		"Parser":       fileParser,
		"CategoryId":   fileCategoryID,
		"CategoryType": fileCategoryType,
	}

	var resp struct {
		Data struct {
			FileID string `json:"FileId"`
		} `json:"Data"`
		RequestID string `json:"RequestId"`
	}
	if err := c.call(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", fmt.Errorf("add session file: %w", err)
	}
	if resp.Data.FileID == "" {
		return "", fmt.Errorf("add session file: empty file id (request %s)", resp.RequestID)
	}
	return resp.Data.FileID, nil
}

// DescribeFile fetches the parse state of a registered file.
func (c *FileClient) DescribeFile(ctx context.Context, fileID string) (*FileInfo, error) {
	if !c.IsConfigured() {
		return nil, ErrFilesNotConfigured
	}

	path := fmt.Sprintf("/%s/datacenter/file/%s", c.workspaceID, url.PathEscape(fileID))

	var resp struct {
		Data      FileInfo `json:"Data"`
		RequestID string   `json:"RequestId"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("describe file: %w", err)
	}
	if resp.Data.FileID == "" {
		resp.Data.FileID = fileID
	}
	return &resp.Data, nil
}

// call performs one signed OpenAPI request and decodes the response.
func (c *FileClient) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.scheme+"://"+c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.sign(req, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code      string `json:"Code"`
			Message   string `json:"Message"`
			RequestID string `json:"RequestId"`
		}
		if err := json.Unmarshal(respBody, &apiErr); err == nil && (apiErr.Code != "" || apiErr.Message != "") {
			return &APIError{
				Code:      apiErr.Code,
				Message:   apiErr.Message,
				RequestID: apiErr.RequestID,
				Status:    resp.StatusCode,
			}
		}
		return &APIError{
			Message: strings.TrimSpace(string(respBody)),
			Status:  resp.StatusCode,
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ACS3-HMAC-SHA256 SIGNING
// =============================================================================

// sign applies the Alibaba Cloud V3 signature to a request.
func (c *FileClient) sign(req *http.Request, payload []byte) {
	hashedPayload := sha256Hex(payload)

	req.Header.Set("host", c.endpoint)
	req.Header.Set("x-acs-version", bailianAPIVersion)
	req.Header.Set("x-acs-date", time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	req.Header.Set("x-acs-signature-nonce", uuid.NewString())
	req.Header.Set("x-acs-content-sha256", hashedPayload)

	// Canonical headers: the host, content-type, and x-acs-* headers,
	// lowercased and sorted.
	var names []string
	for name := range req.Header {
		lower := strings.ToLower(name)
		if lower == "host" || lower == "content-type" || strings.HasPrefix(lower, "x-acs-") {
			names = append(names, lower)
		}
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(strings.TrimSpace(req.Header.Get(name)))
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		req.URL.RawQuery,
		canonicalHeaders.String(),
		signedHeaders,
		hashedPayload,
	}, "\n")

	stringToSign := "ACS3-HMAC-SHA256\n" + sha256Hex([]byte(canonicalRequest))
	signature := hmacSHA256Hex(c.accessKeySecret, stringToSign)

	req.Header.Set("Authorization", fmt.Sprintf(
		"ACS3-HMAC-SHA256 Credential=%s,SignedHeaders=%s,Signature=%s",
		c.accessKeyID, signedHeaders, signature,
	))
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hmacSHA256Hex(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
