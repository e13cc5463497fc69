// Package oauth2 keeps a client-credentials access token fresh for the
// payment platform and hands it out without blocking request paths.
//
// # Overview
//
// A Manager owns exactly one token. It fetches the first token as soon as it
// is created and, after every successful fetch, schedules the next one at
// half of the token's remaining lifetime. Callers normally find a valid token
// waiting for them; only the very first callers, or callers arriving while
// the token endpoint is failing, have to wait.
//
// # Features
//
//   - Client credentials grant with HTTP basic authentication and an optional
//     API gateway subscription key
//   - Proactive refresh at half the remaining lifetime
//   - Fixed backoff retry for server errors, network faults and malformed responses
//   - Fail fast on client errors (bad credentials), until Refresh is called
//   - At most one token request in flight, shared by all waiters
//   - Optional token persistence (in-memory or Redis) across restarts
//   - Expiry read from the JWT exp claim when the response carries none
//
// # Usage
//
//	transport := commonhttp.NewTransport()
//	fetcher := oauth2.NewHTTPFetcher(oauth2.Credentials{
//	    TokenURL:     "https://api.example.com/token",
//	    ClientID:     "client-id",
//	    ClientSecret: "client-secret",
//	}, transport, nil, logger)
//
//	manager := oauth2.NewManager(fetcher, oauth2.ManagerConfig{Logger: logger})
//	defer manager.Close()
//
//	// asynchronous callers
//	manager.CurrentOrAwait().Subscribe(onToken, onError, nil)
//
//	// synchronous callers
//	token, err := oauth2.NewRetriever(manager).Get(10 * time.Second)
//
// # Persistence
//
// Wrapping the fetcher in a StoreFetcher lets a restarted process reuse a
// token obtained by its predecessor:
//
//	store := oauth2.NewRedisTokenStore(redisClient, nil)
//	fetcher = oauth2.NewStoreFetcher(fetcher, store, clientID, oauth2.StoreFetcherConfig{})
//
// Processes sharing a Redis store can set StoreFetcherConfig.Locker to a
// locks.RedsyncLocker so only one of them refreshes at a time; the others
// pick the new token up from the store.
//
// # Testing
//
// Pass a clock.Fake as ManagerConfig.Clock to drive refresh and backoff timers
// deterministically. The fetcher must be given the same clock so that token
// lifetimes are measured against it.
package oauth2
