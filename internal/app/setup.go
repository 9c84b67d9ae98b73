package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/store"
)

// fixtures is the optional CRM seed file consumed by setup.
type fixtures struct {
	Customers []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"customers"`
	Carriers []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		ContactEmail string `json:"contact_email"`
	} `json:"carriers"`
	Events []struct {
		ID         string `json:"id"`
		CustomerID string `json:"customer_id"`
		Stage      string `json:"stage"`
	} `json:"events"`
}

// setupCmd connects a mailbox: it stores the refresh token and the ingestion
// settings row, and optionally seeds CRM directory fixtures.
func setupCmd() *cobra.Command {
	var (
		ownerID      string
		mailbox      string
		providerName string
		refreshToken string
		stallDays    int
		businessDays bool
		fixturesPath string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Connect a mailbox and seed directory data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			provider := domain.Provider(providerName)
			if provider != domain.ProviderGmail && provider != domain.ProviderOutlook {
				return fmt.Errorf("unknown provider %q", providerName)
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if ownerID == "" {
				ownerID = uuid.NewString()
			}

			if err := st.SaveToken(ctx, &domain.OAuthTokenRecord{
				OwnerID:      ownerID,
				Mailbox:      mailbox,
				Provider:     provider,
				RefreshToken: refreshToken,
				Expiry:       time.Now(),
				UpdatedAt:    time.Now(),
			}); err != nil {
				return err
			}

			if err := st.SaveSettings(ctx, &domain.MailboxSettings{
				OwnerID:          ownerID,
				Mailbox:          mailbox,
				Provider:         provider,
				IngestionEnabled: true,
				BusinessDaysOnly: businessDays,
				StallAfterDays:   stallDays,
			}); err != nil {
				return err
			}

			if fixturesPath != "" {
				if err := seedFixtures(cmd, st, fixturesPath); err != nil {
					return err
				}
			}

			log.WithField("owner_id", ownerID).Info("mailbox connected")
			fmt.Fprintln(cmd.OutOrStdout(), ownerID)
			return nil
		},
	}

	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id (generated when empty)")
	cmd.Flags().StringVar(&mailbox, "mailbox", "", "mailbox address")
	cmd.Flags().StringVar(&providerName, "provider", "gmail", "mail provider (gmail or outlook)")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().IntVar(&stallDays, "stall-days", defaultStallDays, "days awaiting a reply before a thread stalls")
	cmd.Flags().BoolVar(&businessDays, "business-days", true, "count only weekdays toward the stall threshold")
	cmd.Flags().StringVar(&fixturesPath, "fixtures", "", "path to a CRM fixtures JSON file")
	cmd.MarkFlagRequired("mailbox")
	cmd.MarkFlagRequired("refresh-token")

	return cmd
}

func seedFixtures(cmd *cobra.Command, st *store.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fx fixtures
	if err := json.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("failed to parse fixtures file: %w", err)
	}

	ctx := cmd.Context()
	for _, c := range fx.Customers {
		if err := st.UpsertCustomer(ctx, &domain.Customer{ID: c.ID, Name: c.Name}); err != nil {
			return err
		}
	}
	for _, c := range fx.Carriers {
		if err := st.UpsertCarrier(ctx, &domain.Carrier{ID: c.ID, Name: c.Name, ContactEmail: c.ContactEmail}); err != nil {
			return err
		}
	}
	for _, e := range fx.Events {
		if err := st.UpsertNegotiationEvent(ctx, &domain.NegotiationEvent{ID: e.ID, CustomerID: e.CustomerID, Stage: e.Stage}); err != nil {
			return err
		}
	}
	return nil
}
