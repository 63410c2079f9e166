package webhook

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/metadata"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/session"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/trigger"
)

// approvalRx recognizes the approval words that release a plan gate.
var approvalRx = regexp.MustCompile(`(?i)\b(approved?|lgtm|proceed|go ahead)\b`)

// resumeMessage is sent to the agent when its plan is approved.
const resumeMessage = "Your plan has been approved. Proceed with implementation: run /prp:implement and continue through the remaining steps."

// gateResume handles an issue comment: when a session for that issue is
// paused at the plan gate and the comment contains an approval word, the
// session resumes. A second approval finds no gated session and is a no-op.
func (srv *Server) gateResume(ctx context.Context, ev trigger.Event) {
	if !approvalRx.MatchString(ev.CommentBody) {
		return
	}

	sessions, err := srv.mgr.List(ctx, "")
	if err != nil {
		debug.LogKV("webhook", "gate resume list failed", "error", err)
		return
	}

	needle := fmt.Sprintf("%d", ev.Issue.Number)
	for _, s := range sessions {
		if s.Metadata[metadata.KeyPRPPhase] != session.PhasePlanGate {
			continue
		}
		if !issueMatches(s.IssueID, ev, needle) {
			continue
		}

		debug.LogKV("webhook", "gate approval", "session", s.ID, "issue", s.IssueID, "sender", ev.Sender)

		if err := srv.mgr.Send(ctx, s.ID, resumeMessage); err != nil {
			debug.LogKV("webhook", "gate resume send failed", "session", s.ID, "error", err)
			return
		}
		if err := srv.mgr.Store().UpdateMerge(s.ID, map[string]string{
			metadata.KeyPRPPhase: session.PhaseImplementing,
		}); err != nil {
			debug.LogKV("webhook", "gate resume phase persist failed", "session", s.ID, "error", err)
		}

		go srv.postGateConfirmation(s.ProjectID, s.IssueID, s.ID)
		return
	}
	// No gated session for this issue: the comment was idle chatter or a
	// duplicate approval.
}

func issueMatches(sessionIssueID string, ev trigger.Event, needle string) bool {
	if ev.Issue.Number > 0 && strings.Contains(sessionIssueID, needle) {
		return true
	}
	return ev.Issue.ID != "" && sessionIssueID == ev.Issue.ID
}

func (srv *Server) postGateConfirmation(projectID, issueID, sessionID string) {
	plugins, err := srv.mgr.Resolved(projectID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	comment := fmt.Sprintf("plan approved — session `%s` is implementing", sessionID)
	if err := plugins.Tracker.UpdateIssue(ctx, issueID, plugin.IssueUpdate{Comment: comment}, plugins.Ref); err != nil {
		debug.LogKV("webhook", "gate confirmation failed", "session", sessionID, "error", err)
	}
}
