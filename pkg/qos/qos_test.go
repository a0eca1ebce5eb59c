package qos

import "testing"

func TestAdaptedOfferDowngrades(t *testing.T) {
	recorded := []Profile{
		{Reliability: ReliabilityReliable, Durability: DurabilityTransientLocal},
		{Reliability: ReliabilityBestEffort, Durability: DurabilityVolatile},
	}
	offer := AdaptedOffer(recorded)
	if offer.Reliability != ReliabilityBestEffort {
		t.Fatalf("expected offer to downgrade to BEST_EFFORT, got %v", offer.Reliability)
	}
	if offer.Durability != DurabilityVolatile {
		t.Fatalf("expected offer to downgrade to VOLATILE, got %v", offer.Durability)
	}
}

func TestAdaptedOfferEmptyIsDefault(t *testing.T) {
	offer := AdaptedOffer(nil)
	if offer != Default() {
		t.Fatalf("expected default profile for empty input, got %+v", offer)
	}
}

func TestCheckIncompatibilityReliability(t *testing.T) {
	pub := Profile{Reliability: ReliabilityBestEffort, Durability: DurabilityVolatile}
	sub := Profile{Reliability: ReliabilityReliable, Durability: DurabilityVolatile}
	got := CheckIncompatibility(pub, sub)
	if got == nil || got.Kind != "reliability" {
		t.Fatalf("expected reliability incompatibility, got %+v", got)
	}
}

func TestCheckIncompatibilityDurability(t *testing.T) {
	pub := Profile{Reliability: ReliabilityReliable, Durability: DurabilityVolatile}
	sub := Profile{Reliability: ReliabilityReliable, Durability: DurabilityTransientLocal}
	got := CheckIncompatibility(pub, sub)
	if got == nil || got.Kind != "durability" {
		t.Fatalf("expected durability incompatibility, got %+v", got)
	}
}

func TestCheckIncompatibilityNoneWhenCompatible(t *testing.T) {
	pub := Profile{Reliability: ReliabilityReliable, Durability: DurabilityTransientLocal}
	sub := Profile{Reliability: ReliabilityReliable, Durability: DurabilityTransientLocal}
	if got := CheckIncompatibility(pub, sub); got != nil {
		t.Fatalf("expected no incompatibility, got %+v", got)
	}
}

func TestSerializeAndParseRoundTrip(t *testing.T) {
	profiles := []Profile{Default(), {Reliability: ReliabilityBestEffort, HistoryDepth: 5}}
	yamlText, err := SerializeOfferedProfiles(profiles)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	parsed, err := ParseOfferedProfiles(yamlText)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != len(profiles) {
		t.Fatalf("expected %d profiles, got %d", len(profiles), len(parsed))
	}
	if parsed[1].Reliability != ReliabilityBestEffort || parsed[1].HistoryDepth != 5 {
		t.Fatalf("unexpected round-tripped profile: %+v", parsed[1])
	}
}

func TestPublisherProfileForTopicOverride(t *testing.T) {
	overrides := map[string]Profile{"/scan": {Reliability: ReliabilityBestEffort}}
	p, err := PublisherProfileForTopic(overrides, "/scan", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Reliability != ReliabilityBestEffort {
		t.Fatalf("expected override to win, got %+v", p)
	}
}
