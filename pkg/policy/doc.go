// Package policy gates plugin instances before they are scheduled.
//
// Each effective instance configuration is turned into an Input document
// and evaluated against Rego policies. Every policy exposes a "deny" set;
// each element is either a message string or an object with "message",
// "severity" and optionally "field" keys.
//
// Built-in policies check that remote instances have targets and that
// instances needing root on a remote host carry root credentials.
// Additional *.rego (or JSON-wrapped) policies can be loaded from a
// directory and are reloaded when the directory changes:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.WatchDir(ctx, "policies"); err != nil {
//	    return err
//	}
//	res, err := eng.EvaluateRecord(ctx, record)
//
// A violation with severity error (or critical) makes Result.Allowed false.
// Warnings never block.
package policy
