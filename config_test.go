package main

import "testing"

func TestValidateConfigRejectsNotifyIntervalPastLifetime(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.MaxJobLifetime = 60
	cfg.SServer.MiningNotifyInterval = 60
	if err := validateConfig(&cfg); err == nil {
		t.Fatal("expected an error when mining_notify_interval >= max_job_lifetime")
	}
}

func TestValidateConfigRejectsZeroDifficulty(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.MinDifficulty = "00000000"
	if err := validateConfig(&cfg); err == nil {
		t.Fatal("expected an error for a zero min_difficulty")
	}
}

func TestValidateConfigRejectsDiffAdjustBelowShareAvg(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.DiffAdjustPeriod = 5
	cfg.SServer.ShareAvgSeconds = 10
	if err := validateConfig(&cfg); err == nil {
		t.Fatal("expected an error when diff_adjust_period < share_avg_seconds")
	}
}

func TestValidateConfigRejectsMultiChainsWithNoChains(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.MultiChains = true
	if err := validateConfig(&cfg); err == nil {
		t.Fatal("expected an error for multi_chains with an empty chains[]")
	}
}

func TestValidateConfigAppliesLegacyMaxJobDelay(t *testing.T) {
	cfg := defaultConfig()
	cfg.SServer.MaxJobLifetime = 0
	cfg.SServer.MaxJobDelay = 400
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SServer.MaxJobLifetime != 400 {
		t.Fatalf("max_job_lifetime = %d, want legacy max_job_delay 400", cfg.SServer.MaxJobLifetime)
	}
}

func TestChainConfigsSingleChainSynthesizesDefaultEntry(t *testing.T) {
	cfg := defaultConfig()
	chains := cfg.chainConfigs()
	if len(chains) != 1 || chains[0].Name != "default" {
		t.Fatalf("chainConfigs() = %+v, want single synthetic \"default\" entry", chains)
	}
}

func TestChainConfigsSingleChainReadsTopLevelKeys(t *testing.T) {
	cfg := defaultConfig()
	cfg.JobBusAddr = "tcp://127.0.0.1:28332"
	cfg.JobBusTopic = "blocks"
	cfg.ShareTopic = "shares"
	cfg.SolvedShareTopic = "solved"
	cfg.CommonEventsTopic = "events"
	cfg.FileLastNotifyTime = "/var/run/goredpool/last_notify"

	chains := cfg.chainConfigs()
	if len(chains) != 1 {
		t.Fatalf("chainConfigs() returned %d entries, want 1", len(chains))
	}
	got := chains[0]
	if got.JobBusAddr != cfg.JobBusAddr || got.JobBusTopic != cfg.JobBusTopic {
		t.Fatalf("synthetic entry job bus fields = %+v, want addr=%q topic=%q", got, cfg.JobBusAddr, cfg.JobBusTopic)
	}
	if got.ShareTopic != cfg.ShareTopic || got.SolvedShareTopic != cfg.SolvedShareTopic || got.CommonEventsTopic != cfg.CommonEventsTopic {
		t.Fatalf("synthetic entry topic fields = %+v, want share=%q solved=%q events=%q",
			got, cfg.ShareTopic, cfg.SolvedShareTopic, cfg.CommonEventsTopic)
	}
	if got.FileLastNotifyTime != cfg.FileLastNotifyTime {
		t.Fatalf("synthetic entry FileLastNotifyTime = %q, want %q", got.FileLastNotifyTime, cfg.FileLastNotifyTime)
	}
}

func TestChainTopicFallbacksDeriveFromChainName(t *testing.T) {
	cc := ChainConfig{Name: "btc"}
	if got, want := cc.shareLogTopic(), "btc.share_log"; got != want {
		t.Fatalf("shareLogTopic() = %q, want %q", got, want)
	}
	if got, want := cc.solvedShareTopic(), "btc.solved_share"; got != want {
		t.Fatalf("solvedShareTopic() = %q, want %q", got, want)
	}
	if got, want := cc.commonEventsTopic(), "btc.common_events"; got != want {
		t.Fatalf("commonEventsTopic() = %q, want %q", got, want)
	}

	cc.ShareTopic = "custom_shares"
	if got, want := cc.shareLogTopic(), "custom_shares"; got != want {
		t.Fatalf("shareLogTopic() = %q, want configured override %q", got, want)
	}
}
