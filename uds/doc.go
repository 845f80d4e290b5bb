// Package uds implements the subset of Unified Diagnostic Services (ISO 14229)
// needed to reprogram a controller: session control, ECU reset, routine
// control, request download, transfer data and request transfer exit.
//
// # Request Encoding
//
// Every service has a Build* function producing the request bytes and, where
// the response carries data, a Parse* function decoding it. ParseResponse
// separates positive responses from negative ones; a negative response is
// returned as *NegativeResponseError carrying the response code.
//
// # Client
//
// Client sends one request at a time over a Transport (normally an
// *isotp.Stack) and waits for the matching response:
//
//	client, err := uds.Dial(b, isotp.NewNormalFixed29Bit(0xF3, 0xF1), isotp.DefaultParams(), uds.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.ChangeSession(ctx, uds.ProgrammingSession); err != nil {
//	    if errors.Is(err, uds.ErrTimeout) {
//	        // no answer in time
//	    }
//	    return err
//	}
//
// A response-pending code (0x78) extends the wait by Config.P2StarTimeout.
// Responses that do not belong to the outstanding request are discarded.
package uds
