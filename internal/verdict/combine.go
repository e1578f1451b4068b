package verdict

import "fmt"

// Thresholds maps a combined score onto a Level. Each bound is inclusive and
// belongs to the higher bucket.
type Thresholds struct {
	Caution    float64 `yaml:"caution"`
	Suspicious float64 `yaml:"suspicious"`
	Danger     float64 `yaml:"danger"`
}

// DefaultThresholds returns the stock 0.2 / 0.5 / 0.8 buckets.
func DefaultThresholds() Thresholds {
	return Thresholds{Caution: 0.2, Suspicious: 0.5, Danger: 0.8}
}

// Validate checks that the bounds are ascending within (0,1].
func (t Thresholds) Validate() error {
	if !(0 < t.Caution && t.Caution < t.Suspicious && t.Suspicious < t.Danger && t.Danger <= 1) {
		return fmt.Errorf("verdict: thresholds must satisfy 0 < caution < suspicious < danger <= 1, got %.2f/%.2f/%.2f",
			t.Caution, t.Suspicious, t.Danger)
	}
	return nil
}

// Level returns the bucket for score.
func (t Thresholds) Level(score float64) Level {
	switch {
	case score >= t.Danger:
		return LevelDanger
	case score >= t.Suspicious:
		return LevelSuspicious
	case score >= t.Caution:
		return LevelCaution
	default:
		return LevelSafe
	}
}

// Combined is the merge of the basic and AI verdicts.
type Combined struct {
	Score      float64  `json:"threat_score"`
	Confidence float64  `json:"confidence"`
	Level      Level    `json:"threat_level"`
	Flags      []string `json:"flags"`
	Basic      Verdict  `json:"basic"`
	AI         Verdict  `json:"ai"`
}

// Combine merges the two sides. When both sides produced usable output the
// score and confidence are their plain averages. A side with zero confidence
// is left out, and a blocklisted basic verdict keeps at least its own score.
func Combine(basic, ai Verdict, t Thresholds) Combined {
	c := Combined{
		Flags: make([]string, 0, len(basic.Flags)+len(ai.Flags)),
		Basic: basic,
		AI:    ai,
	}
	c.Flags = append(c.Flags, basic.Flags...)
	c.Flags = append(c.Flags, ai.Flags...)

	switch {
	case basic.Confidence > 0 && ai.Confidence > 0:
		c.Score = (basic.Score + ai.Score) / 2
		c.Confidence = (basic.Confidence + ai.Confidence) / 2
	case basic.Confidence > 0:
		c.Score = basic.Score
		c.Confidence = basic.Confidence
	case ai.Confidence > 0:
		c.Score = ai.Score
		c.Confidence = ai.Confidence
	}

	if basic.Blocklisted && c.Score < basic.Score {
		c.Score = basic.Score
	}

	c.Score = Clamp(c.Score)
	c.Confidence = Clamp(c.Confidence)
	c.Level = t.Level(c.Score)
	return c
}
