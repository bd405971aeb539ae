package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/bringyour/sockrpc/connect"
)

const RpcCtlVersion = "0.0.1"

const DefaultAddr = ":8080"
const DefaultUrl = "ws://127.0.0.1:8080/"

func main() {
	usage := fmt.Sprintf(
		`Socket rpc control.

The defaults are:
    addr: %s
    url: %s

Usage:
    rpcctl serve [--addr=<addr>] [--secret=<secret>] [--server_version=<server_version>]
        [--origin=<origin>...]
        [--log=<log_level>]
    rpcctl call [--url=<url>] [--jwt=<jwt>] [--timeout=<timeout>] [--stream]
        [--log=<log_level>]
        <action> [<arg>...]
    rpcctl token --subject=<subject> [--secret=<secret>] [--device_id=<device_id>] [--ttl=<ttl>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --addr=<addr>                      Listen address.
    --secret=<secret>                  Jwt signing secret. Prompted when not given.
    --server_version=<server_version>  Version sent in the handshake [default: 0.0.1].
    --origin=<origin>                  Allowed websocket origin. Repeat for more. Any origin when not given.
    --url=<url>                        Server websocket url.
    --jwt=<jwt>                        Auth with this jwt before the call.
    --timeout=<timeout>                Call timeout [default: 30s].
    --stream                           Print each stream item.
    --subject=<subject>                Jwt subject.
    --device_id=<device_id>            Jwt device id.
    --ttl=<ttl>                        Jwt time to live. 0 does not expire [default: 24h].
    --log=<log_level>                  Glog verbosity [default: 0].`,
		DefaultAddr,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RpcCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if call_, _ := opts.Bool("call"); call_ {
		call(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if logLevel, err := opts.String("--log"); err == nil {
		flag.Set("v", logLevel)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func requireSecret(opts docopt.Opts) []byte {
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		return []byte(secret)
	}
	fmt.Print("Enter secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return secretBytes
}

func serve(opts docopt.Opts) {
	addr := DefaultAddr
	if addrAny := opts["--addr"]; addrAny != nil {
		addr = addrAny.(string)
	}
	serverVersion, _ := opts.String("--server_version")
	secret := requireSecret(opts)

	ctx, cancel := signalContext()
	defer cancel()

	settings := connect.DefaultServerSettings()
	settings.Version = serverVersion
	server := connect.NewServer(ctx, serveNamespace(secret), settings)
	server.AddPeerConnectedCallback(func(peer *connect.Peer) {
		glog.Infof("[rpcctl]peer %s connected (%d)\n", peer.PeerId(), server.PeerCount())
	})
	server.AddPeerClosedCallback(func(peer *connect.Peer) {
		glog.Infof("[rpcctl]peer %s closed (%d)\n", peer.PeerId(), server.PeerCount())
	})

	websocketSettings := connect.DefaultWebsocketSettings()
	if origins, ok := opts["--origin"].([]string); ok && 0 < len(origins) {
		websocketSettings.AllowedOrigins = origins
	}

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.WebsocketHandler(websocketSettings),
	}

	go func() {
		defer cancel()
		fmt.Printf("Serving %s on %s\n", serverVersion, addr)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	server.Close()
}

func serveNamespace(secret []byte) connect.Namespace {
	return connect.Namespace{
		"auth": connect.JwtAuthAction(secret),
		"whoami": connect.Func0(func(ctx context.Context, peer *connect.Peer) (string, error) {
			return peer.AuthSubject(), nil
		}),
		"echo": connect.Action(func(ctx context.Context, peer *connect.Peer, args connect.Args) (any, error) {
			return args, nil
		}),
		"math": connect.Namespace{
			"add": connect.Func2(func(ctx context.Context, peer *connect.Peer, a float64, b float64) (float64, error) {
				return a + b, nil
			}),
		},
		"clock": connect.Namespace{
			"now": connect.Func0(func(ctx context.Context, peer *connect.Peer) (int64, error) {
				return time.Now().UnixMilli(), nil
			}),
			// ticks(count, intervalMillis) streams `count` server times
			"ticks": connect.Func2(func(ctx context.Context, peer *connect.Peer, count int, intervalMillis int) (*connect.Stream, error) {
				if count <= 0 {
					return nil, fmt.Errorf("count must be positive")
				}
				interval := time.Duration(max(intervalMillis, 10)) * time.Millisecond
				stream := connect.NewStream()
				go func() {
					ticker := time.NewTicker(interval)
					defer ticker.Stop()
					for i := 0; i < count; i += 1 {
						select {
						case <-ctx.Done():
							return
						case <-stream.Done():
							return
						case t := <-ticker.C:
							if !stream.Send(t.UnixMilli()) {
								return
							}
						}
					}
					stream.End()
				}()
				return stream, nil
			}),
		},
	}
}

// args that are not json are sent as strings
func parseArgs(argStrs []string) []any {
	args := []any{}
	for _, argStr := range argStrs {
		if json.Valid([]byte(argStr)) {
			args = append(args, json.RawMessage(argStr))
		} else {
			args = append(args, argStr)
		}
	}
	return args
}

func call(opts docopt.Opts) {
	url := DefaultUrl
	if urlAny := opts["--url"]; urlAny != nil {
		url = urlAny.(string)
	}
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		panic(err)
	}
	action, _ := opts.String("<action>")
	argStrs, _ := opts["<arg>"].([]string)
	stream, _ := opts.Bool("--stream")

	ctx, cancel := signalContext()
	defer cancel()

	client := connect.NewClientWithDefaults(ctx, url)
	defer client.Close()
	client.AddErrorCallback(func(err error) {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
	})

	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		client.AddOpenCallback(func(event *connect.OpenEvent) {
			event.WaitUntil(func(ctx context.Context) error {
				result, err := client.Auth(jwt).Result(ctx)
				if err != nil {
					return err
				}
				if !connect.IsAuthResult(result) {
					fmt.Fprintf(os.Stderr, "auth failed\n")
				}
				return nil
			})
		})
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, timeout)
	defer connectCancel()
	if _, err := client.Connect().Result(connectCtx); err != nil {
		fmt.Fprintf(os.Stderr, "connect error: %s\n", err)
		os.Exit(1)
	}
	state := client.Get()
	glog.V(connect.LogLevelInfo).Infof("[rpcctl]connected version=%s offset=%s\n", state.ServerVersion, state.ServerTimeOffset)

	args := parseArgs(argStrs)
	var future *connect.Future[json.RawMessage]
	if stream {
		future = client.SendStream(ctx, action, func(item json.RawMessage) {
			fmt.Printf("%s\n", item)
		}, args...)
	} else {
		callCtx, callCancel := context.WithTimeout(ctx, timeout)
		defer callCancel()
		future = client.Send(action, append(args, callCtx)...)
	}

	result, err := future.Wait()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %s\n", action, err)
		os.Exit(1)
	}
	if 0 < len(result) {
		fmt.Printf("%s\n", result)
	}
}

func token(opts docopt.Opts) {
	subject, _ := opts.String("--subject")
	deviceId, _ := opts.String("--device_id")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		panic(err)
	}
	secret := requireSecret(opts)

	jwt, err := connect.NewAuthJwt(&connect.AuthJwt{
		Subject:  subject,
		DeviceId: deviceId,
	}, secret, ttl)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", jwt)
}
