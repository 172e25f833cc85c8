// Package verifykit provides small clients for the external services used
// during mailbox verification workflows: a rotating proxy pool, a poller
// for 1secmail-style temporary mailboxes, and a submit-then-poll client for
// 2captcha-style job APIs.
//
// Basic usage:
//
//	mail := verifykit.NewMailboxClient()
//	addr, err := mail.NewAddress(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msg, err := mail.AwaitMessage(ctx, addr, []string{"confirm"}, "", 2*time.Minute, 10*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	link, ok := verifykit.ExtractLink(msg.Body)
//
// Proxy rotation:
//
//	rotator := verifykit.NewProxyRotator(endpoints,
//	    verifykit.WithStrategy(verifykit.LeastUsed),
//	)
//	if ep := rotator.Next(); ep != nil {
//	    // use ep.URL()
//	    rotator.ReportOutcome(*ep, true)
//	}
package verifykit

// Version is the current version of the SDK.
const Version = "0.1.0"
