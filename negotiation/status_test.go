package negotiation

import "testing"

func TestCanPerform(t *testing.T) {
	cases := []struct {
		action Action
		status Status
		want   bool
	}{
		{ActionCounter, StatusInitiated, true},
		{ActionCounter, StatusEscrowFunded, true},
		{ActionCounter, StatusCompleted, false},
		{ActionAccept, StatusCountering, true},
		{ActionAccept, StatusAgreed, false},
		{ActionFund, StatusInitiated, false},
		{ActionFund, StatusContractSigned, true},
		{ActionRelease, StatusContractDrafting, false},
		{ActionRelease, StatusEscrowFunded, true},
		{ActionRefund, StatusCancelled, true},
		{ActionRefund, StatusExpired, false},
		{ActionCancel, StatusCompleted, false},
		{ActionOpenDispute, StatusInitiated, false},
		{ActionOpenDispute, StatusCompleted, true},
		{ActionSign, StatusExpired, true},
		{ActionRead, StatusCancelled, true},
	}
	for _, tc := range cases {
		if got := CanPerform(tc.action, tc.status); got != tc.want {
			t.Errorf("CanPerform(%s, %s) = %v, want %v", tc.action, tc.status, got, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatusInitiated, StatusCountering) {
		t.Fatalf("expected INITIATED -> COUNTERING")
	}
	if CanTransition(StatusCountering, StatusInitiated) {
		t.Fatalf("COUNTERING must not return to INITIATED")
	}
	if !CanTransition(StatusContractSigned, StatusCompleted) {
		t.Fatalf("expected CONTRACT_SIGNED -> COMPLETED")
	}
	for _, terminal := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		if !terminal.Terminal() {
			t.Fatalf("%s should be terminal", terminal)
		}
		for _, to := range []Status{StatusInitiated, StatusAgreed, StatusCancelled, StatusExpired} {
			if CanTransition(terminal, to) {
				t.Fatalf("terminal %s must have no outgoing edges, found %s", terminal, to)
			}
		}
	}
}
