package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/telemetry/core/access"
)

var (
	tokenUser     string
	tokenUsername string
	tokenRole     string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a dashboard bearer token signed with JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := issueToken(service.JWTSecret, tokenUser, tokenUsername, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "username")
	tokenCmd.Flags().StringVar(&tokenRole, "role", access.RoleUser, "user or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "validity of the token")
}

func issueToken(secret, userID, username, role string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("JWT_SECRET is not set")
	}
	if len(userID) == 0 {
		return "", errors.New("--user is missing")
	}
	if role != access.RoleUser && role != access.RoleAdmin {
		return "", fmt.Errorf("unknown role %q", role)
	}
	return access.NewTokenVerifier(secret).Issue(access.Authorization{
		UserID:   userID,
		Username: username,
		Roles:    []string{role},
	}, ttl)
}
