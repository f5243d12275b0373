// Package server exposes scripts over HTTP.
//
// Scripts are reached through configured routes or, under ServicePrefix,
// by name. Each request becomes one invocation whose handler receives the
// ServiceContext. Handler results are serialized as:
//
//	ServiceResponse   status, headers, cookies and body as built
//	string            text/plain
//	Buffer            application/octet-stream
//	anything else     {"code":"0","message":"success","data":...}
//
// Script errors answer 400 with {"code","message"}, where code is the
// thrown object's code property or "1". A saturated executor answers 503.
// Requests that streamed a body or upgraded to a WebSocket are left as the
// script left them.
//
// Cron jobs and daemons run the same scripts without a request.
package server
