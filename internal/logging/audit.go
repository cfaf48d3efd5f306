// Security audit logging. Unlike category logs, audit events are written
// whether or not debug mode is on: a locked-intent rejection must always
// leave a trace.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	AuditSecurityReject AuditEventType = "security_reject"
	AuditBudgetAbort    AuditEventType = "budget_abort"
	AuditTaskTerminal   AuditEventType = "task_terminal"
)

// AuditEvent is one structured audit log entry.
type AuditEvent struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	EventType AuditEventType         `json:"event"`
	TaskID    string                 `json:"task"`
	OwnerID   string                 `json:"owner,omitempty"`
	Target    string                 `json:"target,omitempty"` // action id / domain
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

func auditPath() string {
	date := time.Now().Format("2006-01-02")
	return filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))
}

// Audit appends one event to the audit log, opening it lazily.
func Audit(ev AuditEvent) {
	if logsDir == "" {
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		f, err := os.OpenFile(auditPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: could not open audit log: %v\n", err)
			return
		}
		auditFile = f
	}

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// SecurityReject records a locked-intent rejection.
func SecurityReject(taskID, ownerID, actionID, reason string) {
	Audit(AuditEvent{
		EventType: AuditSecurityReject,
		TaskID:    taskID,
		OwnerID:   ownerID,
		Target:    actionID,
		Message:   reason,
	})
	Get(CategorySecurity).Warn("task=%s action=%s rejected: %s", taskID, actionID, reason)
}

func closeAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}
