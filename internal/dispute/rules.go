package dispute

import (
	"fmt"
	"time"

	"github.com/tradeweave/settlement/internal/money"
)

// Rule evaluation thresholds.
const (
	// DispatchSLA is how long a dealer has to ship after payment before
	// a breach dispute auto-resolves in the buyer's favor.
	DispatchSLA = 72 * time.Hour
	// PODGracePeriod is how long a seller has to produce proof of
	// delivery once a NOT_RECEIVED dispute opens.
	PODGracePeriod = 48 * time.Hour
	// SellerResponseSLA is how long a seller has to answer any open
	// dispute with substantiating evidence before it auto-resolves in
	// the buyer's favor.
	SellerResponseSLA = 72 * time.Hour
	// PartialRefundBPS is the compensation fraction recommended for
	// substantiated wrong-item claims (basis points of the held amount).
	PartialRefundBPS = 5000
)

// OrderFacts is the order-side input to rule evaluation.
type OrderFacts struct {
	PaidAt      *time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	HeldAmount  int64
	// PriorDisputes counts earlier resolved disputes raised by the same
	// buyer across the marketplace.
	PriorDisputes int
}

// Recommendation is the outcome of rule evaluation. It carries no side
// effects; applying it is the arbiter's (or auto-resolver's) job.
type Recommendation struct {
	Resolution   Resolution `json:"resolution"`
	RefundAmount int64      `json:"refundAmount,omitempty"`
	Rule         string     `json:"rule"`
	Reason       string     `json:"reason"`
	// Automatic reports whether the recommendation is safe to apply
	// without a human arbiter.
	Automatic bool `json:"automatic"`
}

// EvaluateRules produces a deterministic recommendation for an open
// dispute. Same dispute, same facts, same clock reading: same answer.
// It never mutates the dispute or touches any ledger.
func EvaluateRules(d *Dispute, facts OrderFacts, returnWindow time.Duration, now time.Time) Recommendation {
	// Claims raised past the return window are dismissed regardless of
	// reason; the buyer accepted the goods.
	if facts.DeliveredAt != nil && d.CreatedAt.After(facts.DeliveredAt.Add(returnWindow)) {
		return Recommendation{
			Resolution: ResolutionRejected,
			Rule:       "return_window_expired",
			Reason: fmt.Sprintf("Dispute raised %s after delivery, return window is %s",
				d.CreatedAt.Sub(*facts.DeliveredAt).Round(time.Hour), returnWindow),
			Automatic: true,
		}
	}

	// Dealer shipped late: the lifecycle record itself proves the breach.
	if d.Reason == ReasonSLABreach && facts.PaidAt != nil {
		shipped := facts.ShippedAt
		if shipped != nil && shipped.Sub(*facts.PaidAt) > DispatchSLA {
			return Recommendation{
				Resolution:   ResolutionRefundFull,
				RefundAmount: facts.HeldAmount,
				Rule:         "dispatch_sla_breach",
				Reason: fmt.Sprintf("Dispatched %s after payment, SLA is %s",
					shipped.Sub(*facts.PaidAt).Round(time.Hour), DispatchSLA),
				Automatic: true,
			}
		}
	}

	// Seller ignored the dispute past the response SLA: no proof of
	// delivery, no invoice, nothing to arbitrate against.
	if now.Sub(d.CreatedAt) > SellerResponseSLA &&
		!d.HasEvidence(EvidencePOD) && !d.HasEvidence(EvidenceInvoice) {
		return Recommendation{
			Resolution:   ResolutionRefundFull,
			RefundAmount: facts.HeldAmount,
			Rule:         "seller_response_sla_breach",
			Reason: fmt.Sprintf("No seller evidence within %s of dispute",
				SellerResponseSLA),
			Automatic: true,
		}
	}

	// Seller had the POD grace period to substantiate delivery and did not.
	if d.Reason == ReasonNotReceived && !d.HasEvidence(EvidencePOD) {
		if now.Sub(d.CreatedAt) >= PODGracePeriod {
			return Recommendation{
				Resolution:   ResolutionRefundFull,
				RefundAmount: facts.HeldAmount,
				Rule:         "no_proof_of_delivery",
				Reason: fmt.Sprintf("No proof of delivery produced within %s of dispute",
					PODGracePeriod),
				Automatic: true,
			}
		}
		return Recommendation{
			Resolution: ResolutionManualReview,
			Rule:       "pod_grace_running",
			Reason:     fmt.Sprintf("Awaiting proof of delivery until %s", d.CreatedAt.Add(PODGracePeriod).Format(time.RFC3339)),
		}
	}

	// Substantiated wrong-item claims settle at partial compensation.
	if d.Reason == ReasonWrongItem && d.HasEvidence(EvidenceUnboxingVideo) {
		amount := money.BPS(facts.HeldAmount, PartialRefundBPS)
		return Recommendation{
			Resolution:   ResolutionRefundPartial,
			RefundAmount: amount,
			Rule:         "wrong_item_substantiated",
			Reason: fmt.Sprintf("Unboxing video on file, recommending %s compensation",
				money.Format(amount)),
			Automatic: true,
		}
	}

	// Repeat claimants get a human look even on otherwise clear cases.
	if facts.PriorDisputes >= 3 {
		return Recommendation{
			Resolution: ResolutionManualReview,
			Rule:       "repeat_claimant",
			Reason:     fmt.Sprintf("Buyer has %d prior disputes, escalating to manual review", facts.PriorDisputes),
		}
	}

	return Recommendation{
		Resolution: ResolutionManualReview,
		Rule:       "no_rule_matched",
		Reason:     "No automatic rule applies, awaiting arbiter decision",
	}
}
