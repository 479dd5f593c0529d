package health

import (
	"math"
	"sync"
)

// TrendDirection classifies a metric's recent movement
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// Trend is the classified movement of one metric with a confidence score
type Trend struct {
	Direction  TrendDirection `json:"direction"`
	Slope      float64        `json:"slope"`
	Confidence float64        `json:"confidence"`
}

// TrendBuffer keeps a bounded window of observations and classifies the
// trend with a least-squares fit
type TrendBuffer struct {
	mu     sync.Mutex
	values []float64
	maxLen int
}

// NewTrendBuffer creates a buffer holding up to maxLen observations
func NewTrendBuffer(maxLen int) *TrendBuffer {
	if maxLen <= 0 {
		maxLen = 60
	}
	return &TrendBuffer{maxLen: maxLen}
}

// Add appends an observation, evicting the oldest at capacity
func (tb *TrendBuffer) Add(v float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if len(tb.values) >= tb.maxLen {
		tb.values = tb.values[1:]
	}
	tb.values = append(tb.values, v)
}

// Len returns the number of buffered observations
func (tb *TrendBuffer) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.values)
}

// Analyze fits a regression line over the window and classifies the
// direction; confidence is the fit's R²
func (tb *TrendBuffer) Analyze() Trend {
	tb.mu.Lock()
	values := make([]float64, len(tb.values))
	copy(values, tb.values)
	tb.mu.Unlock()

	n := float64(len(values))
	if n < 5 {
		return Trend{Direction: TrendStable}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Trend{Direction: TrendStable}
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	// R² of the fit
	meanY := sumY / n
	var ssRes, ssTot float64
	for i, y := range values {
		pred := intercept + slope*float64(i)
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
		if r2 < 0 {
			r2 = 0
		}
	}

	// A slope is meaningful relative to the metric's own scale
	scale := math.Abs(meanY)
	if scale < 1 {
		scale = 1
	}
	relative := slope * n / scale

	direction := TrendStable
	if relative > 0.1 && r2 > 0.3 {
		direction = TrendIncreasing
	} else if relative < -0.1 && r2 > 0.3 {
		direction = TrendDecreasing
	}

	return Trend{Direction: direction, Slope: slope, Confidence: r2}
}

const (
	anomalyMinSamples = 10
	anomalyZThreshold = 3.0
)

// AnomalyDetector maintains an online mean/variance baseline per metric
// (Welford's algorithm) and flags observations with |z| above the
// threshold
type AnomalyDetector struct {
	mu    sync.Mutex
	count int64
	mean  float64
	m2    float64

	anomalies int64
}

// NewAnomalyDetector creates an empty baseline
func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{}
}

// Observe tests the value against the baseline and then folds it in.
// Returns the z-score and whether it was anomalous. The baseline needs
// a minimum number of samples before the test activates.
func (ad *AnomalyDetector) Observe(v float64) (float64, bool) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	z := 0.0
	anomalous := false
	if ad.count >= anomalyMinSamples {
		variance := ad.m2 / float64(ad.count-1)
		if stddev := math.Sqrt(variance); stddev > 0 {
			z = (v - ad.mean) / stddev
			anomalous = math.Abs(z) > anomalyZThreshold
		}
	}

	// Welford online update
	ad.count++
	delta := v - ad.mean
	ad.mean += delta / float64(ad.count)
	ad.m2 += delta * (v - ad.mean)

	if anomalous {
		ad.anomalies++
	}
	return z, anomalous
}

// Anomalies returns the lifetime anomaly count
func (ad *AnomalyDetector) Anomalies() int64 {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	return ad.anomalies
}
