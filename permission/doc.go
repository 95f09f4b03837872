// Package permission decides whether a tool call requested by the model may
// run.
//
// Each call is first evaluated against remembered decisions and then against
// a risk table of tool-name patterns:
//
//	Unevaluated -> Allowed | Denied | AwaitingConsent
//	AwaitingConsent -> Granted | Denied | Cancelled
//
// Low risk calls are allowed, high risk calls wait for consent, and medium
// risk calls follow the configured policy. Consent is requested through an
// Asker and bounded by a timeout that never resolves to Granted. Answers the
// user marks "always" are saved to the injected DecisionStore, scoped to the
// session or globally.
package permission
