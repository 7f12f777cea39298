package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/core/client"
	"github.com/relabs-tech/telemetry/iot/store"
)

var (
	deviceID   string
	deviceName string
	apiURL     string
	apiToken   string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices and ownership grants",
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a device and print its secret",
	Long: `create registers a device. The secret is printed exactly once, only its
hash is stored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeStore, err := openStore(service, false)
		if err != nil {
			return err
		}
		defer closeStore()
		return createDevice(cmd.Context(), db, deviceID, deviceName, cmd.OutOrStdout())
	},
}

var deviceAssignCmd = &cobra.Command{
	Use:   "assign <user id> <device id>",
	Short: "Grant a user access to a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeStore, err := openStore(service, false)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := db.Assign(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "device %s assigned to user %s\n", args[1], args[0])
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the devices visible to a token through the REST API of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token := apiToken
		if len(token) == 0 {
			var err error
			if token, err = issueToken(service.JWTSecret, "cli", "", access.RoleAdmin, time.Minute); err != nil {
				return err
			}
		}
		return listDevices(client.NewWithURL(apiURL).WithToken(token), cmd.OutOrStdout())
	},
}

func init() {
	deviceListCmd.Flags().StringVar(&apiURL, "api", "http://localhost:3000", "url of the REST API")
	deviceListCmd.Flags().StringVar(&apiToken, "token", "", "bearer token (default an admin token signed with JWT_SECRET)")
	deviceCmd.AddCommand(deviceListCmd)

	deviceCreateCmd.Flags().StringVar(&deviceID, "id", "", "device id (default device-<unix millis>)")
	deviceCreateCmd.Flags().StringVar(&deviceName, "name", "", "display name")
	deviceCmd.AddCommand(deviceCreateCmd)
	deviceCmd.AddCommand(deviceAssignCmd)
}

func createDevice(ctx context.Context, devices store.CredentialStore, id, name string, out io.Writer) error {
	if err := access.ValidateDeviceID(id); err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	device, secret, err := devices.CreateDevice(ctx, id, name)
	if err != nil {
		return err
	}
	body, _ := json.MarshalIndent(map[string]string{
		"id":     device.ID,
		"name":   device.DisplayName,
		"secret": secret,
	}, "", "  ")
	fmt.Fprintln(out, string(body))
	return nil
}

func listDevices(c client.Client, out io.Writer) error {
	var devices []store.Device
	if _, err := c.RawGet("/api/devices", &devices); err != nil {
		return err
	}
	for _, device := range devices {
		fmt.Fprintf(out, "%s\t%s\t%s\n", device.ID, device.DisplayName, device.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
