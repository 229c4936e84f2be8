package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stapelberg/hmcentral/internal/hm/central"
)

var (
	apiAddr      string
	pairDuration time.Duration
	pairSerial   string
	unpairReset  bool
	refresh      bool
	paramChannel uint8
	paramList    uint8
)

// client talks to the API of a running hmcentral.
type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{
		base: apiAddr,
		http: &http.Client{Timeout: apiTimeout + 10*time.Second},
	}
}

// call sends a request to path and decodes the JSON response into out
// (if non-nil). API errors are returned as *central.Error.
func (c *client) call(method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("%s %s: %v", method, path, resp.Status)
		}
		if apiErr.Code == 0 {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Message)
		}
		return &central.Error{Code: apiErr.Code, Msg: apiErr.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Enable pairing mode",
	Long: `Enable pairing mode of the central: devices whose pairing button is
pressed within --duration are paired. With --serial, the device with
that serial number is asked to pair itself.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"duration": {pairDuration.String()}}
		if pairSerial != "" {
			q.Set("serial", pairSerial)
		}
		if err := newClient().call("POST", "/api/pair", q, nil, nil); err != nil {
			return err
		}
		fmt.Printf("pairing mode enabled for %v\n", pairDuration)
		return nil
	},
}

var unpairCmd = &cobra.Command{
	Use:   "unpair SERIAL",
	Short: "Unpair a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{
			"serial": {args[0]},
			"reset":  {strconv.FormatBool(unpairReset)},
		}
		return newClient().call("POST", "/api/unpair", q, nil, nil)
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the paired devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var peers []peerInfo
		if err := newClient().call("GET", "/api/peers", nil, nil, &peers); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "SERIAL\tADDRESS\tTYPE\tFIRMWARE\tLAST SEEN\tSTATUS")
		for _, p := range peers {
			status := "ok"
			switch {
			case p.Unreach:
				status = "UNREACH"
			case p.ConfigPending:
				status = "CONFIG_PENDING"
			}
			lastSeen := "never"
			if !p.LastSeen.IsZero() {
				lastSeen = p.LastSeen.Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d.%d\t%s\t%s\n", p.Serial, p.Address, p.Type, p.Firmware>>4, p.Firmware&0x0f, lastSeen, status)
		}
		return tw.Flush()
	},
}

var linkCmd = &cobra.Command{
	Use:   "link SENDER:CHANNEL RECEIVER:CHANNEL",
	Short: "Link a sender channel to a receiver channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().call("POST", "/api/links", url.Values{"from": {args[0]}, "to": {args[1]}}, nil, nil)
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink SENDER:CHANNEL RECEIVER:CHANNEL",
	Short: "Remove a link",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().call("DELETE", "/api/links", url.Values{"from": {args[0]}, "to": {args[1]}}, nil, nil)
	},
}

var linksCmd = &cobra.Command{
	Use:   "links SERIAL:CHANNEL",
	Short: "Read the links of a channel from the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := central.ParseChannel(args[0])
		if err != nil {
			return err
		}
		q := url.Values{"serial": {ch.Serial}, "channel": {strconv.Itoa(int(ch.Channel))}}
		var links []string
		if err := newClient().call("GET", "/api/links", q, nil, &links); err != nil {
			return err
		}
		for _, l := range links {
			fmt.Println(l)
		}
		return nil
	},
}

var teamCmd = &cobra.Command{
	Use:   "team MEMBER [LEADER]",
	Short: "Join a device to the team of LEADER, or let it leave its team",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return newClient().call("DELETE", "/api/team", url.Values{"member": {args[0]}}, nil, nil)
		}
		return newClient().call("POST", "/api/team", url.Values{"member": {args[0]}, "leader": {args[1]}}, nil, nil)
	},
}

var levelCmd = &cobra.Command{
	Use:   "level SERIAL:CHANNEL [LEVEL]",
	Short: "Print or set the level of an actuator channel (0 off, 200 on)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := central.ParseChannel(args[0])
		if err != nil {
			return err
		}
		q := url.Values{"serial": {ch.Serial}, "channel": {strconv.Itoa(int(ch.Channel))}}
		if len(args) == 2 {
			q.Set("level", args[1])
			return newClient().call("POST", "/api/level", q, nil, nil)
		}
		q.Set("refresh", strconv.FormatBool(refresh))
		var res levelResponse
		if err := newClient().call("GET", "/api/level", q, nil, &res); err != nil {
			return err
		}
		fmt.Println(res.Level)
		return nil
	},
}

var paramsetCmd = &cobra.Command{
	Use:   "paramset SERIAL [INDEX=VALUE...]",
	Short: "Print or change a paramset (list) of a device",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{
			"serial":  {args[0]},
			"channel": {strconv.Itoa(int(paramChannel))},
			"list":    {strconv.Itoa(int(paramList))},
		}
		if len(args) > 1 {
			values := make(map[byte]byte)
			for _, arg := range args[1:] {
				i, v, ok := strings.Cut(arg, "=")
				idx, err := strconv.ParseUint(i, 0, 8)
				if err != nil || !ok {
					return fmt.Errorf("invalid value %q, want INDEX=VALUE", arg)
				}
				val, err := strconv.ParseUint(v, 0, 8)
				if err != nil {
					return fmt.Errorf("invalid value %q: %v", arg, err)
				}
				values[byte(idx)] = byte(val)
			}
			return newClient().call("PUT", "/api/paramset", q, values, nil)
		}
		q.Set("refresh", strconv.FormatBool(refresh))
		var values map[byte]byte
		if err := newClient().call("GET", "/api/paramset", q, nil, &values); err != nil {
			return err
		}
		indexes := make([]int, 0, len(values))
		for idx := range values {
			indexes = append(indexes, int(idx))
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			fmt.Printf("0x%02x = 0x%02x\n", idx, values[byte(idx)])
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8013", "URL of the running hmcentral (for all commands but run)")

	pairCmd.Flags().DurationVar(&pairDuration, "duration", 60*time.Second, "how long pairing mode stays enabled")
	pairCmd.Flags().StringVar(&pairSerial, "serial", "", "serial number of the device to pair")
	unpairCmd.Flags().BoolVar(&unpairReset, "reset", false, "reset the device to factory defaults")
	levelCmd.Flags().BoolVar(&refresh, "refresh", false, "ask the device instead of using the last known level")
	paramsetCmd.Flags().BoolVar(&refresh, "refresh", false, "read the paramset from the device")
	paramsetCmd.Flags().Uint8Var(&paramChannel, "channel", 0, "channel of the paramset")
	paramsetCmd.Flags().Uint8Var(&paramList, "list", 0, "list of the paramset")

	rootCmd.AddCommand(pairCmd, unpairCmd, peersCmd, linkCmd, unlinkCmd, linksCmd, teamCmd, levelCmd, paramsetCmd)
}
