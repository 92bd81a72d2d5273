package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/config"
	"github.com/example/skin-check/internal/repository"
)

// doctorPasswordEnv lets create-doctor read the password without putting it
// on the command line.
const doctorPasswordEnv = "SKINCHECK_DOCTOR_PASSWORD"

func migrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := initDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeDatabase(db, logger)

			if err := repository.AutoMigrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			logger.Info("schema is up to date")
			return nil
		},
	}
}

func createDoctorCommand(configPath *string) *cobra.Command {
	var req accounts.RegisterRequest

	cmd := &cobra.Command{
		Use:   "create-doctor",
		Short: "Create an account with the doctor role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Password == "" {
				req.Password = os.Getenv(doctorPasswordEnv)
			}
			if req.Password == "" {
				return errors.New("a password is required (--password or " + doctorPasswordEnv + ")")
			}
			req.PasswordConfirmation = req.Password

			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			return createDoctor(cmd.Context(), cfg.Database, req, logger, cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.Email, "email", "", "login email")
	flags.StringVar(&req.IdentificationNumber, "identification", "", "identification number")
	flags.StringVar(&req.FirstName, "first-name", "", "first name")
	flags.StringVar(&req.LastName, "last-name", "", "last name")
	flags.StringVar(&req.Gender, "gender", "Otro", "Masculino, Femenino or Otro")
	flags.StringVar(&req.Phone, "phone", "", "phone number")
	flags.StringVar(&req.DateOfBirth, "date-of-birth", "", "date of birth (YYYY-MM-DD)")
	flags.StringVar(&req.Password, "password", "", "password; defaults to $"+doctorPasswordEnv)
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("identification")
	return cmd
}

func createDoctor(ctx context.Context, dbCfg config.DatabaseConfig, req accounts.RegisterRequest, logger *zap.Logger, cmd *cobra.Command) error {
	db, err := repository.Open(repository.Options{
		Driver:        dbCfg.Driver,
		DSN:           dbCfg.DSN,
		SlowThreshold: dbCfg.SlowThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer closeDatabase(db, logger)

	if err := repository.AutoMigrate(ctx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// doctors never log in through this path, so no token issuer is needed
	service := accounts.NewService(repository.NewUserRepository(db), nil, logger)
	user, err := service.CreateDoctor(ctx, req)
	if err != nil {
		var verr *accounts.ValidationError
		if errors.As(err, &verr) {
			for field, msgs := range verr.Fields {
				for _, msg := range msgs {
					cmd.PrintErrf("%s: %s\n", field, msg)
				}
			}
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created doctor %s (%s)\n", user.Email, user.ID)
	return nil
}
