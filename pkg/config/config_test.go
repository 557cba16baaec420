package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestGetEffectiveImportBody(t *testing.T) {
	tests := []struct {
		name       string
		crawlerCfg CrawlerConfig
		appCfg     AppConfig
		expected   bool
	}{
		{
			name:       "crawler enabled overrides global disabled",
			crawlerCfg: CrawlerConfig{ImportBody: boolPtr(true)},
			appCfg:     AppConfig{ImportBody: false},
			expected:   true,
		},
		{
			name:       "crawler disabled overrides global enabled",
			crawlerCfg: CrawlerConfig{ImportBody: boolPtr(false)},
			appCfg:     AppConfig{ImportBody: true},
			expected:   false,
		},
		{
			name:       "crawler nil uses global enabled",
			crawlerCfg: CrawlerConfig{ImportBody: nil},
			appCfg:     AppConfig{ImportBody: true},
			expected:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetEffectiveImportBody(tt.crawlerCfg, tt.appCfg))
		})
	}
}

func TestGetEffectiveWriteReferenceLog(t *testing.T) {
	assert.True(t, GetEffectiveWriteReferenceLog(CrawlerConfig{}, AppConfig{WriteReferenceLog: true}))
	assert.False(t, GetEffectiveWriteReferenceLog(CrawlerConfig{WriteReferenceLog: boolPtr(false)}, AppConfig{WriteReferenceLog: true}))
}

func TestGetEffectiveUserAgent(t *testing.T) {
	app := AppConfig{DefaultUserAgent: "politecrawler/1.0"}
	assert.Equal(t, "politecrawler/1.0", GetEffectiveUserAgent(CrawlerConfig{}, app))
	assert.Equal(t, "custom", GetEffectiveUserAgent(CrawlerConfig{UserAgent: "custom"}, app))
}

func TestGetEffectiveNumWorkers(t *testing.T) {
	app := AppConfig{NumWorkers: 4}
	assert.Equal(t, 4, GetEffectiveNumWorkers(CrawlerConfig{}, app))
	assert.Equal(t, 9, GetEffectiveNumWorkers(CrawlerConfig{NumWorkers: 9}, app))
}

func TestGetEffectiveDelay(t *testing.T) {
	app := AppConfig{Delay: DelayConfig{Default: time.Second}}
	assert.Equal(t, time.Second, GetEffectiveDelay(CrawlerConfig{}, app).Default)

	override := &DelayConfig{Default: 5 * time.Second, Scope: "site"}
	assert.Equal(t, 5*time.Second, GetEffectiveDelay(CrawlerConfig{Delay: override}, app).Default)
}

func TestChecksumConfig_DedupEnabled(t *testing.T) {
	assert.True(t, ChecksumConfig{}.DedupEnabled(true))
	assert.False(t, ChecksumConfig{}.DedupEnabled(false))
	assert.True(t, ChecksumConfig{Dedup: boolPtr(true)}.DedupEnabled(false))
	assert.False(t, ChecksumConfig{Disabled: true, Dedup: boolPtr(true)}.DedupEnabled(true),
		"no checksummer means no dedup")
}
