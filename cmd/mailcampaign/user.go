package main

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/zephy0808/mailcampaign/internal/db"
	"github.com/zephy0808/mailcampaign/internal/models"
	"github.com/zephy0808/mailcampaign/internal/repository"
)

const minPasswordLength = 10

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API users (HTTP basic auth)",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user",
	RunE:  runUserCreate,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE:  runUserList,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete [email]",
	Short: "Delete a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

var userResetPasswordCmd = &cobra.Command{
	Use:   "reset-password [email]",
	Short: "Set a new password for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserResetPassword,
}

var (
	userEmail    string
	userPassword string
	userName     string
)

func init() {
	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "User email")
	userCreateCmd.Flags().StringVar(&userPassword, "password", "", "User password (will prompt if not provided)")
	userCreateCmd.Flags().StringVar(&userName, "name", "", "User name")
	userCreateCmd.MarkFlagRequired("email")

	userResetPasswordCmd.Flags().StringVar(&userPassword, "password", "", "New password (will prompt if not provided)")

	userCmd.AddCommand(userCreateCmd, userListCmd, userDeleteCmd, userResetPasswordCmd)
	rootCmd.AddCommand(userCmd)
}

// withUsers opens and migrates the database named by the config file
func withUsers(fn func(*repository.UserRepository) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}
	return fn(repository.NewUserRepository(database.DB))
}

// hashNewPassword takes the password from flag or an interactive prompt with
// confirmation, enforces the minimum length and returns its bcrypt hash.
func hashNewPassword(flagValue string) (string, error) {
	password := flagValue
	if password == "" {
		first, err := readPassword("Enter password: ")
		if err != nil {
			return "", err
		}
		second, err := readPassword("Confirm password: ")
		if err != nil {
			return "", err
		}
		if first != second {
			return "", errors.New("passwords do not match")
		}
		password = first
	}

	if len(password) < minPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func readPassword(label string) (string, error) {
	fmt.Print(label)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	return withUsers(func(users *repository.UserRepository) error {
		existing, err := users.GetByEmail(userEmail)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("user %s already exists", existing.Email)
		}

		hash, err := hashNewPassword(userPassword)
		if err != nil {
			return err
		}

		user := &models.User{Email: userEmail, Name: userName, PasswordHash: hash}
		if err := users.Create(user); err != nil {
			return err
		}

		fmt.Printf("User %s created\n", user.Email)
		return nil
	})
}

func runUserList(cmd *cobra.Command, args []string) error {
	return withUsers(func(users *repository.UserRepository) error {
		list, err := users.List()
		if err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No users")
			return nil
		}

		fmt.Printf("%-36s  %-30s  %-20s  %s\n", "ID", "EMAIL", "NAME", "CREATED")
		fmt.Println(strings.Repeat("-", 100))
		for _, u := range list {
			fmt.Printf("%-36s  %-30s  %-20s  %s\n", u.ID, u.Email, u.Name, u.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	})
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	return withUsers(func(users *repository.UserRepository) error {
		ok, err := users.DeleteByEmail(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %s not found", args[0])
		}

		fmt.Printf("User %s deleted\n", args[0])
		return nil
	})
}

func runUserResetPassword(cmd *cobra.Command, args []string) error {
	return withUsers(func(users *repository.UserRepository) error {
		existing, err := users.GetByEmail(args[0])
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("user %s not found", args[0])
		}

		hash, err := hashNewPassword(userPassword)
		if err != nil {
			return err
		}

		if _, err := users.UpdatePassword(existing.Email, hash); err != nil {
			return err
		}

		fmt.Printf("Password updated for %s\n", existing.Email)
		return nil
	})
}
