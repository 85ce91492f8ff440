package proof

import "slices"

// Kind classifies a proof. The set is open: unknown kinds are stored as
// content proofs.
type Kind = string

const (
	KindLog          Kind = "log"
	KindDiff         Kind = "diff"
	KindLink         Kind = "link"
	KindScreenshot   Kind = "screenshot"
	KindBuildLog     Kind = "build-log"
	KindTestResult   Kind = "test-result"
	KindAutoDecision Kind = "auto-decision"
	KindReflection   Kind = "reflection"
)

// Kinds is the authoritative list of kinds written by the orchestrator.
var Kinds = []Kind{KindLog, KindDiff, KindLink, KindScreenshot, KindBuildLog, KindTestResult, KindAutoDecision, KindReflection}

var referenceKinds = []Kind{KindLink, KindScreenshot}

// Known reports whether k is one of Kinds.
func Known(k Kind) bool { return slices.Contains(Kinds, k) }

// IsReference reports whether proofs of kind k carry only a URI.
func IsReference(k Kind) bool { return slices.Contains(referenceKinds, k) }
