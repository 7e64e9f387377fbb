package statistics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecentNSum(t *testing.T) {
	var hr HashRate
	for i := 0; i < 10; i++ {
		hr.Add(100)
	}
	assert.Equal(t, float64(500), hr.RecentNSum(5))
	assert.Equal(t, float64(1000), hr.RecentNSum(10))
	// older slots are empty
	assert.Equal(t, float64(1000), hr.RecentNSum(20))
}

func TestRingWrapsAround(t *testing.T) {
	var hr HashRate
	for i := 0; i < seriesLen+5; i++ {
		hr.Add(1)
	}
	assert.Equal(t, float64(seriesLen), hr.RecentNSum(seriesLen))
	assert.Equal(t, float64(seriesLen), hr.RecentNSum(seriesLen*2))
}

func TestRate(t *testing.T) {
	var hr HashRate
	for i := 0; i < 60; i++ {
		hr.Add(200)
	}
	assert.Equal(t, float64(200), hr.Rate(60))
	assert.Zero(t, hr.Rate(0))
}
