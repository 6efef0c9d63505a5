package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/opd-ai/rpcwire"
	"github.com/opd-ai/rpcwire/storage"
)

type storedState struct {
	Endpoint   string     `json:"endpoint"`
	AuthKeyID  string     `json:"auth_key_id,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	TimeOffset int64      `json:"time_offset"`
	Salts      int        `json:"salts"`
	HighWater  int64      `json:"msg_id_high_water"`
}

func unix(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func printState() error {
	store, err := rpcwire.OpenStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	ep := rpcwire.EndpointKey(cfg.Endpoint)
	st := storedState{Endpoint: ep}
	rec, err := store.LoadAuthKey(ep)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		st.AuthKeyID = fmt.Sprintf("%016x", rec.ID)
		st.CreatedAt = unix(rec.CreatedAt)
		st.ExpiresAt = unix(rec.ExpiresAt)
		st.TimeOffset = rec.TimeOffset
	}
	salts, err := store.LoadSalts(ep)
	if err != nil {
		return err
	}
	st.Salts = len(salts)
	if st.HighWater, err = store.LoadHighWater(ep); err != nil {
		return err
	}

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the state stored for the configured endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printState()
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Delete the auth key, salts and message id mark of the configured endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rpcwire.OpenStore(cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			ep := rpcwire.EndpointKey(cfg.Endpoint)
			if err := store.Forget(ep); err != nil {
				return err
			}
			fmt.Fprintf(out, "forgot %s\n", ep)
			return nil
		},
	}
}
