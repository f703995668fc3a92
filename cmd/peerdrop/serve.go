package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opd-ai/peerdrop"
	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const handshakeTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a peer, accepting and dialing websocket channels",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":9337", "Websocket listen address")
	serveCmd.Flags().StringSlice("connect", nil, "Websocket URLs of peers to connect to")
	serveCmd.Flags().StringSlice("share", nil, "Files to share on startup")
	for _, key := range []string{"listen", "connect", "share"} {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(key)); err != nil {
			panic(err)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peerID := viper.GetString("peer-id")
	if peerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("no peer id and no hostname: %w", err)
		}
		peerID = host
	}
	saveDir := viper.GetString("save-dir")

	opts := peerdrop.NewOptions(peerID)
	opts.Saver = func(desc file.Descriptor, data []byte) error {
		path := filepath.Join(saveDir, filepath.Base(desc.Name))
		return os.WriteFile(path, data, 0o644)
	}

	peer, err := peerdrop.New(opts)
	if err != nil {
		return err
	}
	defer peer.Close()
	peer.Start(ctx)

	peer.OnFileAvailable(func(desc file.Descriptor) {
		fmt.Printf("available: %s (%d bytes) from %s\n", desc.Name, desc.Size, desc.Owner)
	})
	peer.OnComplete(func(fileID string) {
		fmt.Printf("received: %s\n", fileID)
	})

	for _, path := range viper.GetStringSlice("share") {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("share %s: %w", path, err)
		}
		desc := peer.ShareFile(filepath.Base(path), "application/octet-stream", data)
		fmt.Printf("sharing %s as %s\n", path, desc.FileID)
	}

	for _, url := range viper.GetStringSlice("connect") {
		if err := dialPeer(ctx, peer, peerID, url); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runServe",
				"url":      url,
				"error":    err.Error(),
			}).Warn("Connect failed")
		}
	}

	listen := viper.GetString("listen")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		acceptPeer(peer, conn)
	})
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "runServe",
				"error":    err.Error(),
			}).Error("Listener failed")
			cancel()
		}
	}()
	fmt.Printf("peer %s listening on %s\n", peerID, listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	return srv.Close()
}

// dialPeer opens a websocket channel, exchanges identities and registers
// the session.
func dialPeer(ctx context.Context, peer *peerdrop.Peer, localID, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return err
	}
	ch := transport.NewWSChannel(conn)

	idCh := captureIdentity(ch)
	go ch.ReadPump()

	hello := &transport.ConnectionNotification{}
	hello.PeerID = localID
	hello.Timestamp = time.Now().UnixMilli()
	if err := ch.Send(hello); err != nil {
		ch.Close()
		return err
	}

	remoteID, err := awaitIdentity(idCh)
	if err != nil {
		ch.Close()
		return err
	}
	peer.AddSession(remoteID, ch)
	fmt.Printf("connected to %s\n", remoteID)
	return nil
}

// acceptPeer handles one inbound websocket connection.
func acceptPeer(peer *peerdrop.Peer, conn *websocket.Conn) {
	ch := transport.NewWSChannel(conn)
	idCh := captureIdentity(ch)
	go ch.ReadPump()

	remoteID, err := awaitIdentity(idCh)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "acceptPeer",
			"error":    err.Error(),
		}).Warn("Handshake failed")
		ch.Close()
		return
	}
	peer.AddSession(remoteID, ch)
	fmt.Printf("peer connected: %s\n", remoteID)
}

// captureIdentity installs a temporary receiver that reports the remote
// peer's first connection notification. AddSession replaces the receiver
// with the session dispatcher afterwards.
func captureIdentity(ch *transport.WSChannel) <-chan string {
	idCh := make(chan string, 1)
	ch.SetReceiver(func(msg transport.Message) {
		if note, ok := msg.(*transport.ConnectionNotification); ok {
			select {
			case idCh <- note.PeerID:
			default:
			}
		}
	})
	return idCh
}

func awaitIdentity(idCh <-chan string) (string, error) {
	select {
	case id := <-idCh:
		return id, nil
	case <-time.After(handshakeTimeout):
		return "", errors.New("identity handshake timed out")
	}
}
