package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func history(losses ...float64) []EpochMetrics {
	out := make([]EpochMetrics, len(losses))
	for i, l := range losses {
		out[i] = EpochMetrics{Epoch: i + 1, Loss: l}
	}
	return out
}

func TestShouldStopEarly(t *testing.T) {
	tests := []struct {
		name     string
		history  []EpochMetrics
		patience int
		want     bool
	}{
		{"not enough history", history(1, 2), 2, false},
		{"improving", history(1, 0.9, 0.8), 2, false},
		{"plateau", history(1, 0.8, 0.8), 2, true},
		{"worse than window best", history(1, 0.7, 0.9), 2, true},
		{"old best outside window", history(0.1, 1, 0.9, 0.8), 2, false},
		{"patience zero never stops", history(1, 2, 3), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldStopEarly(tt.history, tt.patience))
		})
	}
}

func TestShouldStopEarly_PrefersValidationLoss(t *testing.T) {
	v := func(f float64) *float64 { return &f }
	h := []EpochMetrics{
		{Epoch: 1, Loss: 1.0, ValLoss: v(0.5)},
		{Epoch: 2, Loss: 0.9, ValLoss: v(0.6)},
		{Epoch: 3, Loss: 0.8, ValLoss: v(0.7)},
	}
	assert.True(t, shouldStopEarly(h, 2), "training loss improves but validation loss does not")
}

func TestSplitDataset(t *testing.T) {
	assert.Equal(t, Split{Train: Partition{0, 8}, Validation: Partition{8, 10}}, SplitDataset(10, 0.2))
	assert.Equal(t, Split{Train: Partition{0, 3}, Validation: Partition{3, 3}}, SplitDataset(3, 0))
	assert.Equal(t, Split{Train: Partition{0, 6}, Validation: Partition{6, 10}}, SplitDataset(10, 0.33))
	assert.Equal(t, 0, SplitDataset(0, 0.5).Train.Len())
}
