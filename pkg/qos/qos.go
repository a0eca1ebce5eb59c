// Package qos implements publisher/subscription QoS negotiation:
// computing an adapted offer/request from previously-offered
// profiles, and warning once per topic when a subscriber's request is
// incompatible with what a publisher offers.
package qos

// Reliability controls message delivery guarantees.
type Reliability int

const (
	ReliabilityReliable Reliability = iota
	ReliabilityBestEffort
)

// Durability controls whether late-joining subscribers see past
// messages.
type Durability int

const (
	DurabilityVolatile Durability = iota
	DurabilityTransientLocal
)

// History controls how many messages a publisher/subscriber keeps.
type History int

const (
	HistoryKeepLast History = iota
	HistoryKeepAll
)

// Profile is one QoS profile, offered by a publisher or requested by
// a subscription.
type Profile struct {
	Reliability  Reliability `yaml:"reliability"`
	Durability   Durability  `yaml:"durability"`
	History      History     `yaml:"history"`
	HistoryDepth int         `yaml:"history_depth"`
}

// Default returns the default QoS profile: reliable, volatile,
// keep-last(10).
func Default() Profile {
	return Profile{Reliability: ReliabilityReliable, Durability: DurabilityVolatile, History: HistoryKeepLast, HistoryDepth: 10}
}

// weakestReliability returns the more permissive (less strict) of two
// reliability settings: BEST_EFFORT is weaker than RELIABLE.
func weakestReliability(a, b Reliability) Reliability {
	if a == ReliabilityBestEffort || b == ReliabilityBestEffort {
		return ReliabilityBestEffort
	}
	return ReliabilityReliable
}

// weakestDurability returns the more permissive of two durability
// settings: VOLATILE is weaker than TRANSIENT_LOCAL.
func weakestDurability(a, b Durability) Durability {
	if a == DurabilityVolatile || b == DurabilityVolatile {
		return DurabilityVolatile
	}
	return DurabilityTransientLocal
}

// AdaptedOffer computes a publisher QoS profile compatible with a set
// of previously-recorded offered profiles: reliability and durability
// are downgraded to the weakest common denominator so that a bag
// recorded under mixed QoS can still be replayed without a publisher
// advertising more than the original publishers did.
func AdaptedOffer(recorded []Profile) Profile {
	if len(recorded) == 0 {
		return Default()
	}
	offer := recorded[0]
	for _, p := range recorded[1:] {
		offer.Reliability = weakestReliability(offer.Reliability, p.Reliability)
		offer.Durability = weakestDurability(offer.Durability, p.Durability)
	}
	return offer
}

// AdaptedRequest computes a subscription QoS request from the set of
// currently-live publisher profiles for a topic, using the same
// weakest-common-denominator rule as AdaptedOffer so the subscription
// is compatible with every current publisher.
func AdaptedRequest(publishers []Profile) Profile {
	return AdaptedOffer(publishers)
}

// Incompatibility describes a single publisher/subscription mismatch
// detected by CheckIncompatibility.
type Incompatibility struct {
	Kind    string // "reliability" or "durability"
	Message string
}

// CheckIncompatibility detects publisher/subscription QoS drift: a
// BEST_EFFORT publisher against a RELIABLE subscription means the
// subscription will not actually see those messages; likewise
// VOLATILE vs TRANSIENT_LOCAL. Returns nil when compatible.
func CheckIncompatibility(publisher, subscription Profile) *Incompatibility {
	if publisher.Reliability == ReliabilityBestEffort && subscription.Reliability == ReliabilityReliable {
		return &Incompatibility{
			Kind:    "reliability",
			Message: "new publisher offers BEST_EFFORT reliability while subscription requests RELIABLE: messages will not be recorded",
		}
	}
	if publisher.Durability == DurabilityVolatile && subscription.Durability == DurabilityTransientLocal {
		return &Incompatibility{
			Kind:    "durability",
			Message: "new publisher offers VOLATILE durability while subscription requests TRANSIENT_LOCAL: messages will not be recorded",
		}
	}
	return nil
}
