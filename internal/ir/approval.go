package ir

import (
	"errors"
	"fmt"
	"time"
)

// ApprovalKind classifies what an approval node asks a human to allow.
type ApprovalKind string

const (
	ApprovalFileEdit    ApprovalKind = "file_edit"
	ApprovalCommandExec ApprovalKind = "command_exec"
	ApprovalExternalAPI ApprovalKind = "external_api"
	ApprovalHumanReview ApprovalKind = "human_review"
)

// Valid reports whether k is a known approval kind.
func (k ApprovalKind) Valid() bool {
	switch k {
	case ApprovalFileEdit, ApprovalCommandExec, ApprovalExternalAPI, ApprovalHumanReview:
		return true
	}
	return false
}

// ApprovalStatus is the lifecycle state of one approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is one request for a human decision, raised by a mounted
// approval node. A node raises at most one request per mount.
type Approval struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	NodeID         string         `json:"node_id"`
	Path           string         `json:"path"`
	Kind           ApprovalKind   `json:"kind"`
	Prompt         string         `json:"prompt"`
	Payload        IRValue        `json:"payload,omitempty"`
	Status         ApprovalStatus `json:"status"`
	RequestedFrame int64          `json:"requested_frame"`
	RequestedAt    time.Time      `json:"requested_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	RespondedAt    time.Time      `json:"responded_at"`
	Responder      string         `json:"responder,omitempty"`
	Comment        string         `json:"comment,omitempty"`
}

// Expired reports whether a pending request ran past its deadline at now.
func (a Approval) Expired(now time.Time) bool {
	return a.Status == ApprovalPending && !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// DefaultApprovalPrompt builds the prompt shown when the node sets none.
func DefaultApprovalPrompt(kind ApprovalKind, payload IRValue) string {
	obj, _ := payload.(IRObject)
	field := func(name string) string {
		s, _ := obj.GetString(name)
		return s
	}
	switch kind {
	case ApprovalFileEdit:
		if path := field("path"); path != "" {
			return fmt.Sprintf("Approve file edit to %s?", path)
		}
	case ApprovalCommandExec:
		if cmd := field("command"); cmd != "" {
			return fmt.Sprintf("Approve execution of: %s?", cmd)
		}
	case ApprovalExternalAPI:
		if api := field("api"); api != "" {
			return fmt.Sprintf("Approve call to %s?", api)
		}
	}
	return "Approval required"
}

// ArtifactType is the closed set of artifact renderings.
type ArtifactType string

const (
	ArtifactMarkdown ArtifactType = "markdown"
	ArtifactTable    ArtifactType = "table"
	ArtifactProgress ArtifactType = "progress"
	ArtifactLink     ArtifactType = "link"
	ArtifactImage    ArtifactType = "image"
)

// Artifact is a user-facing output a task publishes while it runs: a
// report, a table, a progress bar. Artifacts with a Key are upserted per
// execution; keyless ones are appended.
type Artifact struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	NodeID      string       `json:"node_id,omitempty"`
	FrameID     int64        `json:"frame_id"`
	Key         string       `json:"key,omitempty"`
	Name        string       `json:"name"`
	Type        ArtifactType `json:"type"`
	Content     IRValue      `json:"content"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ErrInvalidArtifact is returned by the artifact constructors.
var ErrInvalidArtifact = errors.New("invalid artifact")

// MarkdownArtifact returns a markdown document.
func MarkdownArtifact(name, markdown string) Artifact {
	return Artifact{Name: name, Type: ArtifactMarkdown, Content: IRString(markdown)}
}

// TableArtifact returns a table whose columns are the keys of the first
// row, in canonical order.
func TableArtifact(name string, rows []IRObject) Artifact {
	columns := IRArray{}
	if len(rows) > 0 {
		for _, k := range rows[0].SortedKeys() {
			columns = append(columns, IRString(k))
		}
	}
	data := make(IRArray, len(rows))
	for i, r := range rows {
		data[i] = r
	}
	return Artifact{Name: name, Type: ArtifactTable, Content: Obj(
		O("columns", columns),
		O("rows", data),
	)}
}

// ProgressArtifact returns a progress report. The percentage is rounded
// down; a zero total reports 0.
func ProgressArtifact(name string, current, total int64, message string) (Artifact, error) {
	if current < 0 || total < 0 || current > total {
		return Artifact{}, fmt.Errorf("%w: progress %d/%d", ErrInvalidArtifact, current, total)
	}
	var percent int64
	if total > 0 {
		percent = current * 100 / total
	}
	content := Obj(
		O("current", IRInt(current)),
		O("total", IRInt(total)),
		O("percent", IRInt(percent)),
	)
	if message != "" {
		content["message"] = IRString(message)
	}
	return Artifact{Name: name, Type: ArtifactProgress, Content: content}, nil
}

// LinkArtifact returns a link with an optional description.
func LinkArtifact(name, url, description string) (Artifact, error) {
	if url == "" {
		return Artifact{}, fmt.Errorf("%w: link without url", ErrInvalidArtifact)
	}
	content := Obj(O("url", IRString(url)))
	if description != "" {
		content["description"] = IRString(description)
	}
	return Artifact{Name: name, Type: ArtifactLink, Content: content}, nil
}

// ImageArtifact returns an image referenced by local path or url.
func ImageArtifact(name, path, url, altText string) (Artifact, error) {
	if path == "" && url == "" {
		return Artifact{}, fmt.Errorf("%w: image needs a path or url", ErrInvalidArtifact)
	}
	content := IRObject{}
	if path != "" {
		content["path"] = IRString(path)
	}
	if url != "" {
		content["url"] = IRString(url)
	}
	if altText != "" {
		content["alt_text"] = IRString(altText)
	}
	return Artifact{Name: name, Type: ArtifactImage, Content: content}, nil
}
