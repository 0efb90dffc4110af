package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// ReadyAcknowledgment is the exact phrase the endpoint must reply with after
// receiving the system context, before any turn is sent.
const ReadyAcknowledgment = "I'm ready to help!"

// Assembler builds request envelopes from triggers, the active profile
// snapshot, and the most recent screen sample.
type Assembler struct {
	profile       types.ProfileContextSnapshot
	attachScreens bool
}

// NewAssembler creates an assembler for the given profile snapshot, captured
// once at session start and held unchanged for the session's lifetime.
func NewAssembler(profile types.ProfileContextSnapshot, attachScreens bool) *Assembler {
	return &Assembler{
		profile:       profile,
		attachScreens: attachScreens,
	}
}

// SystemContext renders the full system context for the session, ending with
// the readiness directive.
func (a *Assembler) SystemContext() string {
	var b strings.Builder

	if a.profile.SystemText != "" {
		b.WriteString(strings.TrimSpace(a.profile.SystemText))
		b.WriteString("\n\n")
	}

	section := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", title, body)
	}

	section("PERSONAL CONTEXT", a.profile.PersonalContext)
	section("PROFILE PURPOSE", a.profile.Purpose)
	section("BEHAVIOR INSTRUCTIONS", a.profile.BehaviorText)
	section("ADDITIONAL CONTEXT", a.profile.AdditionalContext)

	if len(a.profile.FileExcerpts) > 0 {
		var files strings.Builder
		for _, f := range a.profile.FileExcerpts {
			fmt.Fprintf(&files, "--- %s ---\n%s\n", f.Name, strings.TrimSpace(f.Text))
		}
		section("UPLOADED FILES", files.String())
	}

	if len(a.profile.ResearchFindings) > 0 {
		var findings strings.Builder
		for _, r := range a.profile.ResearchFindings {
			fmt.Fprintf(&findings, "--- %s ---\n%s\n", r.Question, strings.TrimSpace(r.Answer))
			if len(r.Sources) > 0 {
				fmt.Fprintf(&findings, "Sources: %s\n", strings.Join(r.Sources, ", "))
			}
		}
		section("RESEARCH FINDINGS", findings.String())
	}

	b.WriteString("When you have read and understood this context, respond with exactly: ")
	b.WriteString(ReadyAcknowledgment)
	return b.String()
}

// AssembleVoice builds the envelope for a committed speech segment's
// transcript. Voice turns never carry a screen image.
func (a *Assembler) AssembleVoice(transcript string) types.RequestEnvelope {
	return types.RequestEnvelope{
		Kind:        types.TriggerVoice,
		Text:        transcript,
		SubmittedAt: time.Now(),
	}
}

// AssemblePrompt builds the envelope for a typed prompt. The latest screen
// sample is attached when one is available and screen attachment is enabled.
func (a *Assembler) AssemblePrompt(text string, screen types.ScreenSample, haveScreen bool) types.RequestEnvelope {
	env := types.RequestEnvelope{
		Kind:        types.TriggerPrompt,
		Text:        text,
		SubmittedAt: time.Now(),
	}
	if a.attachScreens && haveScreen {
		env.ImagePNG = screen.PNG
	}
	return env
}

// Profile returns the snapshot the assembler was created with.
func (a *Assembler) Profile() types.ProfileContextSnapshot {
	return a.profile
}
