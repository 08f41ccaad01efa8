package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitetrack/internal/app"
	"sitetrack/internal/domain"
	"sitetrack/internal/export"
	"sitetrack/internal/repo"
)

func exportCmd() *cobra.Command {
	ex := &cobra.Command{
		Use:   "export",
		Short: "Export projects as CSV, XLSX or a full JSON bundle",
	}
	var out, charset string
	var f repo.ProjectFilter
	csvCmd := &cobra.Command{
		Use:   "csv",
		Short: "Export the project list as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := export.ParseCharset(charset)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				if err := export.WriteCSV(&buf, items, cs); err != nil {
					return err
				}
				return writeOutput(out, export.Filename("csv", time.Now()), buf.Bytes())
			})
		},
	}
	csvCmd.Flags().StringVar(&charset, "charset", "utf-8", "utf-8 (with BOM) or shift_jis")
	addFilterFlags(csvCmd, &f)

	xlsxCmd := &cobra.Command{
		Use:   "xlsx",
		Short: "Export the project list as an Excel workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				if err := export.WriteXLSX(&buf, items); err != nil {
					return err
				}
				return writeOutput(out, export.Filename("xlsx", time.Now()), buf.Bytes())
			})
		},
	}
	addFilterFlags(xlsxCmd, &f)

	jsonCmd := &cobra.Command{
		Use:   "json",
		Short: "Export every project, user, setting and status definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.Repo.ExportBundle(ctx)
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				if err := export.WriteJSON(&buf, b); err != nil {
					return err
				}
				return writeOutput(out, export.Filename("json", time.Now()), buf.Bytes())
			})
		},
	}
	ex.PersistentFlags().StringVarP(&out, "out", "o", "", "output file; '-' for stdout (default: dated file name)")
	ex.AddCommand(csvCmd, xlsxCmd, jsonCmd)
	return ex
}

func writeOutput(out, defaultName string, data []byte) error {
	if out == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if out == "" {
		out = defaultName
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote %s (%d bytes)\n", out, len(data))
	return nil
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace all data with a JSON bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = stdin
			if args[0] != "-" {
				fh, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer fh.Close()
				r = fh
			}
			b, err := export.ReadJSON(r)
			if err != nil {
				return err
			}
			ok, err := confirm(fmt.Sprintf("現在のデータを%d件の案件で置き換えますか？", len(b.Projects)))
			if err != nil {
				return err
			}
			if !ok {
				return errAborted
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Import(ctx, b, actor()); err != nil {
					return err
				}
				fmt.Printf("Imported %d projects, %d users\n", len(b.Projects), len(b.Users))
				return nil
			})
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every project, notification and ticket record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := confirm("全てのデータを削除しますか？この操作は取り消せません")
			if err != nil {
				return err
			}
			if !ok {
				return errAborted
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Reset(ctx, actor()); err != nil {
					return err
				}
				fmt.Println("Data reset")
				return nil
			})
		},
	}
}

func settingsCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "settings",
		Short: "Company settings",
	}
	s.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cur, err := a.Engine.Repo.GetSettings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(cur)
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "set <key=value>...",
		Short: "Update settings",
		Long: `Keys: companyName, autoTicketEnabled, defaultEstimateValidDays, workingDays (comma separated),
businessHours.start, businessHours.end, notifications.statusChange, notifications.deadlineAlert,
notifications.emailNotifications, theme, language.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apply := make([]func(*domain.Settings), 0, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				fn, err := settingSetter(strings.TrimSpace(key), strings.TrimSpace(value))
				if err != nil {
					return err
				}
				apply = append(apply, fn)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				updated, err := a.Engine.UpdateSettings(ctx, func(s *domain.Settings) {
					for _, fn := range apply {
						fn(s)
					}
				}, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	})
	return s
}

func settingSetter(key, value string) (func(*domain.Settings), error) {
	parseBool := func() (bool, error) {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("%s: expected true or false", key)
		}
		return b, nil
	}
	switch key {
	case "companyName":
		return func(s *domain.Settings) { s.CompanyName = value }, nil
	case "autoTicketEnabled", "notifications.statusChange", "notifications.deadlineAlert", "notifications.emailNotifications":
		b, err := parseBool()
		if err != nil {
			return nil, err
		}
		return func(s *domain.Settings) {
			switch key {
			case "autoTicketEnabled":
				s.AutoTicketEnabled = b
			case "notifications.statusChange":
				s.Notifications.StatusChange = b
			case "notifications.deadlineAlert":
				s.Notifications.DeadlineAlert = b
			default:
				s.Notifications.EmailNotifications = b
			}
		}, nil
	case "defaultEstimateValidDays":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s: expected a positive number of days", key)
		}
		return func(s *domain.Settings) { s.DefaultEstimateValidDays = n }, nil
	case "workingDays":
		days := strings.Split(value, ",")
		for i := range days {
			days[i] = strings.TrimSpace(days[i])
		}
		return func(s *domain.Settings) { s.WorkingDays = days }, nil
	case "businessHours.start":
		return func(s *domain.Settings) { s.BusinessHours.Start = value }, nil
	case "businessHours.end":
		return func(s *domain.Settings) { s.BusinessHours.End = value }, nil
	case "theme":
		return func(s *domain.Settings) { s.Theme = value }, nil
	case "language":
		return func(s *domain.Settings) { s.Language = value }, nil
	}
	return nil, fmt.Errorf("unknown setting %q", key)
}

func userCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "user",
		Short: "Staff directory and the current actor",
	}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fetch := a.Engine.Repo.ActiveUsers
				if all {
					fetch = a.Engine.Repo.ListUsers
				}
				users, err := fetch(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				current := actor()
				tw := newTable()
				tw.AppendHeader(table.Row{"", "ID", "氏名", "役割", "メール", "有効"})
				for _, usr := range users {
					mark := ""
					if usr.Name == current {
						mark = "*"
					}
					tw.AppendRow(table.Row{mark, usr.ID, usr.Name, usr.Role, usr.Email, usr.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive users")
	u.AddCommand(list)
	u.AddCommand(&cobra.Command{
		Use:   "use <id|name>",
		Short: "Record the current actor in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.Repo.ActiveUsers(ctx)
				if err != nil {
					return err
				}
				for _, usr := range users {
					if usr.ID == args[0] || usr.Name == args[0] {
						if err := setEnvValue(envPath(), "SITETRACK_ACTOR", usr.Name); err != nil {
							return err
						}
						fmt.Printf("Current actor: %s (%s)\n", usr.Name, usr.ID)
						return nil
					}
				}
				return fmt.Errorf("no active user %q", args[0])
			})
		},
	})
	return u
}

// setEnvValue rewrites one key of a dotenv file, keeping the others.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "draft",
		Short: "Project form draft (kept for one hour)",
	}
	d.AddCommand(&cobra.Command{
		Use:   "save <field=value>...",
		Short: "Save form fields; 'st project create --from-draft' picks them up",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := make(map[string]string, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected field=value, got %q", arg)
				}
				data[key] = value
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if cur, err := a.Engine.Repo.LoadDraft(ctx); err == nil {
					for k, v := range data {
						cur.Data[k] = v
					}
					data = cur.Data
				}
				saved, err := a.Engine.Repo.SaveDraft(ctx, data)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Draft saved at %s\n", saved.Timestamp)
				return nil
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the saved draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				saved, err := a.Engine.Repo.LoadDraft(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("no draft")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard the saved draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.ClearDraft(ctx)
			})
		},
	})
	return d
}
