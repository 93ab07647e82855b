package testutil

import "flag"

// FlagOffline skips tests that open network sockets.
var FlagOffline = flag.Bool("testutil.offline", false, "Disable network usage in tests")
