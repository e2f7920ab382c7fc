// Package emotion defines the closed set of emotion classes the classifier
// can produce. The label order matches the model's output score vector.
package emotion

import (
	"fmt"
	"strings"
)

// Label is one of the eight emotion classes.
type Label string

const (
	Neutral   Label = "neutral"
	Happiness Label = "happiness"
	Surprise  Label = "surprise"
	Anger     Label = "anger"
	Sadness   Label = "sadness"
	Disgust   Label = "disgust"
	Fear      Label = "fear"
	Contempt  Label = "contempt"
)

// Count is the number of classes, and the length of the model's score vector.
const Count = 8

var ordered = [Count]Label{
	Neutral, Happiness, Surprise, Anger, Sadness, Disgust, Fear, Contempt,
}

// Labels returns all labels in model output order.
func Labels() [Count]Label {
	return ordered
}

// FromIndex maps a score-vector index to its label.
func FromIndex(i int) (Label, bool) {
	if i < 0 || i >= Count {
		return "", false
	}
	return ordered[i], true
}

// Valid reports whether l is a member of the closed label set.
func (l Label) Valid() bool {
	for _, known := range ordered {
		if l == known {
			return true
		}
	}
	return false
}

func (l Label) String() string {
	return string(l)
}

// Parse converts a string to a Label, case-insensitively.
func Parse(s string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown emotion label %q", s)
	}
	return l, nil
}
