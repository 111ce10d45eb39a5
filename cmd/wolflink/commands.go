// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// session mirrors the service's session response shape.
type session struct {
	SessionID   string     `json:"session_id"`
	Status      string     `json:"status"`
	Method      string     `json:"connection_method"`
	PairingCode string     `json:"pairing_code,omitempty"`
	QR          string     `json:"qr,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	LinkedAt    *time.Time `json:"linked_at,omitempty"`
	Message     string     `json:"message"`
}

// event mirrors the service's SSE payload shape.
type event struct {
	Kind        string `json:"event"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	QR          string `json:"qr,omitempty"`
	Action      string `json:"action,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

func cmdCreate(args []string) error {
	flags, server := newFlagSet("create")
	method := flags.String("method", "qr", "connection method: qr or pairing")
	phone := flags.String("phone", "", "phone number (pairing method only)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"connection_method": *method,
		"phone_number":      *phone,
	})
	if err != nil {
		return err
	}
	resp, err := http.Post(*server+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}

	var created session
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return err
	}
	fmt.Printf("session %s (%s): %s\n", created.SessionID, created.Method, created.Message)
	fmt.Printf("run \"wolflink watch %s\" to follow the linking flow\n", created.SessionID)
	return nil
}

func cmdList(args []string) error {
	flags, server := newFlagSet("list")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var sessions []session
	if err := getJSON(*server+"/api/sessions", &sessions); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no live sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMETHOD\tSTATUS\tRETRIES\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.SessionID, s.Method, s.Status, s.RetryCount,
			s.CreatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdStatus(args []string) error {
	flags, server := newFlagSet("status")
	id, err := oneSessionArg(flags, args)
	if err != nil {
		return err
	}

	var s session
	if err := getJSON(*server+"/api/sessions/"+id, &s); err != nil {
		return err
	}
	fmt.Printf("session:  %s\n", s.SessionID)
	fmt.Printf("method:   %s\n", s.Method)
	fmt.Printf("status:   %s (%s)\n", s.Status, s.Message)
	fmt.Printf("retries:  %d\n", s.RetryCount)
	fmt.Printf("created:  %s\n", s.CreatedAt.Local().Format(time.RFC3339))
	if s.LinkedAt != nil {
		fmt.Printf("linked:   %s\n", s.LinkedAt.Local().Format(time.RFC3339))
	}
	if s.PairingCode != "" {
		fmt.Printf("pairing code: %s\n", s.PairingCode)
	}
	return nil
}

func cmdWatch(args []string) error {
	flags, server := newFlagSet("watch")
	id, err := oneSessionArg(flags, args)
	if err != nil {
		return err
	}

	resp, err := http.Get(*server + "/api/sessions/" + id + "/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		printEvent(ev)
		if ev.Kind == "status" && (ev.Status == "terminated" || ev.Status == "failed") {
			return nil
		}
	}
	return scanner.Err()
}

func printEvent(ev event) {
	switch ev.Kind {
	case "status":
		line := ev.Status
		if ev.Message != "" {
			line += ": " + ev.Message
		}
		if ev.Error != "" {
			line += " (" + ev.Error + ")"
		}
		fmt.Println(line)
		if ev.Credentials != "" {
			fmt.Printf("credentials captured (%d bytes base64)\n", len(ev.Credentials))
		}
	case "pairing_code":
		fmt.Printf("pairing code: %s\n", ev.Code)
	case "qr":
		fmt.Printf("scan QR payload: %s\n", ev.QR)
	case "action":
		if ev.Error != "" {
			fmt.Printf("%s: %s\n", ev.Action, ev.Error)
		} else {
			fmt.Println(ev.Action)
		}
	}
}

func cmdTerminate(args []string) error {
	flags, server := newFlagSet("terminate")
	id, err := oneSessionArg(flags, args)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodDelete, *server+"/api/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	fmt.Printf("session %s terminated\n", id)
	return nil
}

func cmdStats(args []string) error {
	flags, server := newFlagSet("stats")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var stats struct {
		Live     int `json:"live"`
		Sessions struct {
			Active    int `json:"active"`
			Total     int `json:"total"`
			Linked    int `json:"linked"`
			Failed    int `json:"failed"`
			Today     int `json:"today"`
			ThisMonth int `json:"this_month"`
		} `json:"sessions"`
		Recent []struct {
			SessionID string    `json:"session_id"`
			Method    string    `json:"connection_method"`
			Status    string    `json:"status"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"recent"`
	}
	if err := getJSON(*server+"/api/stats", &stats); err != nil {
		return err
	}

	fmt.Printf("live sessions:   %d\n", stats.Live)
	fmt.Printf("total recorded:  %d\n", stats.Sessions.Total)
	fmt.Printf("linked:          %d\n", stats.Sessions.Linked)
	fmt.Printf("failed:          %d\n", stats.Sessions.Failed)
	fmt.Printf("created today:   %d\n", stats.Sessions.Today)
	fmt.Printf("this month:      %d\n", stats.Sessions.ThisMonth)
	if len(stats.Recent) > 0 {
		fmt.Println("\nrecent sessions:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, entry := range stats.Recent {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				entry.SessionID, entry.Method, entry.Status,
				entry.CreatedAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	}
	return nil
}

func getJSON(url string, value any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(value)
}

// responseError turns an API error body into an error value.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
	}
	return fmt.Errorf("%s", resp.Status)
}
