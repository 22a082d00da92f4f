package emotion

// Label is one of the expression classifier's output emotions.
type Label string

const (
	Neutral   Label = "neutral"
	Happy     Label = "happy"
	Sad       Label = "sad"
	Angry     Label = "angry"
	Fearful   Label = "fearful"
	Disgusted Label = "disgusted"
	Surprised Label = "surprised"
)

// ConfidenceThreshold is the minimum score a dominant label must exceed
// before it may replace the tracked emotion. Lower readings are dropped.
const ConfidenceThreshold = 0.5

// labelPriority fixes the tie-break order for equal scores. Relying on map
// iteration order would make ties unstable across runs.
var labelPriority = []Label{Neutral, Happy, Sad, Angry, Fearful, Disgusted, Surprised}

// Scores holds per-label confidences for a single analyzed frame.
// Values are expected in [0,1]; labels outside the fixed set are ignored.
type Scores map[Label]float64

// Reading is the outcome of reducing one frame's scores.
type Reading struct {
	Label      Label
	Confidence float64
}

// Valid reports whether the label belongs to the fixed set.
func (l Label) Valid() bool {
	for _, known := range labelPriority {
		if l == known {
			return true
		}
	}
	return false
}

// Labels returns the fixed label set in priority order.
func Labels() []Label {
	return append([]Label(nil), labelPriority...)
}

// Dominant reduces a frame's scores to the single highest-confidence label.
// Ties break toward the earlier entry in the fixed priority list. An empty
// or all-unknown score map yields a zero-confidence neutral reading.
func Dominant(scores Scores) Reading {
	best := Reading{Label: Neutral, Confidence: 0}
	for _, label := range labelPriority {
		score, ok := scores[label]
		if !ok {
			continue
		}
		if score > best.Confidence {
			best = Reading{Label: label, Confidence: score}
		}
	}
	return best
}

// Confident reports whether the reading clears the promotion gate.
func (r Reading) Confident() bool {
	return r.Confidence > ConfidenceThreshold
}
