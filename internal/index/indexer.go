package index

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// OutcomeKind classifies how the indexing step ended.
type OutcomeKind int

const (
	Complete OutcomeKind = iota
	Skipped
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Complete:
		return "complete"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Outcome is the recorded result of EnsureIndex. It is data, not an error:
// indexing failures never abort startup.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func complete() Outcome               { return Outcome{Kind: Complete} }
func skipped(reason string) Outcome   { return Outcome{Kind: Skipped, Reason: reason} }
func failedOut(reason string) Outcome { return Outcome{Kind: Failed, Reason: reason} }

// Indexer runs the derived-artifact build step (document indexing) before the
// backend starts. The step is expensive, so it is skipped whenever any
// artifact whose name contains ArtifactMarker already exists in the output
// directory; freshness is judged by filename presence only.
type Indexer struct {
	Python         string   // interpreter used to run the script
	Script         string   // indexing script path
	CredentialKey  string   // env var the script requires; empty disables the check
	ArtifactMarker string   // substring identifying built artifacts, e.g. "index"
	Env            []string // child environment, already composed
	Logger         *slog.Logger
}

// EnsureIndex builds the index once. Checks short-circuit in order: artifacts
// already present, missing input, missing credential. Otherwise the indexing
// subprocess runs to completion; its failure is recorded, never propagated.
func (ix *Indexer) EnsureIndex(ctx context.Context, inputDir, outputDir string) Outcome {
	log := ix.Logger
	if log == nil {
		log = slog.Default()
	}

	if ix.artifactsPresent(outputDir) {
		log.Info("index artifacts present, skipping indexing", "dir", outputDir)
		return skipped("already built")
	}
	if !dirExists(inputDir) {
		log.Info("no input documents, skipping indexing", "dir", inputDir)
		return skipped("no input")
	}
	if ix.CredentialKey != "" && !ix.credentialPresent() {
		log.Warn("indexing credential missing, skipping indexing", "key", ix.CredentialKey)
		return skipped("missing credential")
	}

	log.Info("building document index", "input", inputDir, "output", outputDir)
	// #nosec G204 -- interpreter and script are resolved by the controller
	cmd := exec.CommandContext(ctx, ix.Python, ix.Script, "--pdf-dir", inputDir, "--output", outputDir)
	cmd.Env = ix.Env
	out, err := cmd.CombinedOutput()
	if err != nil {
		reason := err.Error()
		if len(out) > 0 {
			reason = reason + ": " + tail(string(out), 512)
		}
		log.Error("indexing failed", "reason", reason)
		return failedOut(reason)
	}
	log.Info("document index built", "output", outputDir)
	return complete()
}

// artifactsPresent reports whether outputDir contains any entry whose name
// includes the artifact marker. That is the sole "already built" signal.
func (ix *Indexer) artifactsPresent(outputDir string) bool {
	marker := ix.ArtifactMarker
	if marker == "" {
		marker = "index"
	}
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), marker) {
			return true
		}
	}
	return false
}

func (ix *Indexer) credentialPresent() bool {
	prefix := ix.CredentialKey + "="
	for _, kv := range ix.Env {
		if strings.HasPrefix(kv, prefix) && len(kv) > len(prefix) {
			return true
		}
	}
	return false
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
