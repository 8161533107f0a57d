package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventboard/internal/catalog"
	"github.com/MarcoPoloResearchLab/eventboard/internal/config"
	"github.com/MarcoPoloResearchLab/eventboard/internal/gateway"
	"github.com/MarcoPoloResearchLab/eventboard/internal/logging"
	"github.com/MarcoPoloResearchLab/eventboard/internal/registration"
	"github.com/MarcoPoloResearchLab/eventboard/internal/session"
)

var errNotSignedIn = errors.New("not signed in")

// clientRuntime wires the gateway client, the auth lifecycle and the event
// flows for one CLI invocation.
type clientRuntime struct {
	logger     *zap.Logger
	gateway    *gateway.Client
	store      *session.Store
	controller *session.Controller
	flow       *registration.Flow
	catalog    *catalog.Catalog
}

func openClient(ctx context.Context) (*clientRuntime, error) {
	appConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	tokens, err := gateway.NewFileTokenStore(appConfig.SessionFile)
	if err != nil {
		return nil, err
	}
	client, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:        appConfig.GatewayURL,
		APIKey:         appConfig.APIKey,
		RequestTimeout: appConfig.RequestTimeout,
		TokenStore:     tokens,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	store := session.NewStore()
	controller, err := session.NewController(session.ControllerConfig{
		Gateway:        client,
		Store:          store,
		ProfileTimeout: appConfig.ProfileTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	flow, err := registration.NewFlow(registration.Config{Gateway: client, Identity: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	directory, err := catalog.New(catalog.Config{Gateway: client, Identity: store, Logger: logger})
	if err != nil {
		return nil, err
	}

	controller.Bootstrap(ctx)

	return &clientRuntime{
		logger:     logger,
		gateway:    client,
		store:      store,
		controller: controller,
		flow:       flow,
		catalog:    directory,
	}, nil
}

func (r *clientRuntime) Close() {
	_ = r.logger.Sync()
}

// withClient runs fn against a bootstrapped client runtime.
func withClient(fn func(cmd *cobra.Command, args []string, runtime *clientRuntime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		runtime, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer runtime.Close()
		return fn(cmd, args, runtime)
	}
}

func newSignUpCommand() *cobra.Command {
	var email, password, name string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and profile",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			if err := runtime.controller.SignUp(cmd.Context(), email, password, name); err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), runtime.store.Snapshot())
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newSignInCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			if err := runtime.controller.SignIn(cmd.Context(), email, password); err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), runtime.store.Snapshot())
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			if err := runtime.controller.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		}),
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the restored identity",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			printSnapshot(cmd.OutOrStdout(), runtime.store.Snapshot())
			return nil
		}),
	}
}

func newEventsCommand() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Browse and manage events",
	}

	eventsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List events by start time",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			listings, err := runtime.catalog.List(cmd.Context())
			if err != nil {
				return err
			}
			printListings(cmd.OutOrStdout(), listings, runtime.store.Snapshot().Identity)
			return nil
		}),
	})

	eventsCmd.AddCommand(&cobra.Command{
		Use:   "show EVENT_ID",
		Short: "Show one event with its registrations",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			if err := runtime.flow.Load(cmd.Context(), args[0]); err != nil {
				return err
			}
			printView(cmd.OutOrStdout(), runtime.flow.Snapshot().View, runtime.store.Snapshot().Identity)
			return nil
		}),
	})

	var input eventFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event (staff only)",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			event, err := runtime.catalog.Create(cmd.Context(), input.eventInput())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), event.ID)
			return nil
		}),
	}
	input.bind(createCmd)
	eventsCmd.AddCommand(createCmd)

	var update eventFlags
	updateCmd := &cobra.Command{
		Use:   "update EVENT_ID",
		Short: "Replace the editable columns of an event (staff only)",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			event, err := runtime.catalog.Update(cmd.Context(), args[0], update.eventInput())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), event.ID)
			return nil
		}),
	}
	update.bind(updateCmd)
	eventsCmd.AddCommand(updateCmd)

	eventsCmd.AddCommand(&cobra.Command{
		Use:   "delete EVENT_ID",
		Short: "Delete an event and its registrations (staff only)",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			return runtime.catalog.Delete(cmd.Context(), args[0])
		}),
	})

	return eventsCmd
}

type eventFlags struct {
	title        string
	description  string
	date         string
	time         string
	location     string
	maxAttendees int
	imageURL     string
}

func (f *eventFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "Event title")
	cmd.Flags().StringVar(&f.description, "description", "", "Event description")
	cmd.Flags().StringVar(&f.date, "date", "", "Event date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.time, "time", "", "Start time (HH:MM)")
	cmd.Flags().StringVar(&f.location, "location", "", "Event location")
	cmd.Flags().IntVar(&f.maxAttendees, "max-attendees", 0, "Capacity; 0 means uncapped")
	cmd.Flags().StringVar(&f.imageURL, "image-url", "", "Image URL")
}

func (f *eventFlags) eventInput() gateway.EventInput {
	input := gateway.EventInput{
		Title:       f.title,
		Description: f.description,
		Date:        f.date,
		Time:        f.time,
		Location:    f.location,
		ImageURL:    f.imageURL,
	}
	if f.maxAttendees > 0 {
		capacity := f.maxAttendees
		input.MaxAttendees = &capacity
	}
	return input
}

func newRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register EVENT_ID",
		Short: "Register the signed-in user for an event",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			identity, ok := runtime.store.Identity()
			if !ok {
				return errNotSignedIn
			}
			if err := runtime.flow.Register(cmd.Context(), args[0], identity.ID); err != nil {
				return err
			}
			printView(cmd.OutOrStdout(), runtime.flow.Snapshot().View, &identity)
			return nil
		}),
	}
}

func newUnregisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister EVENT_ID",
		Short: "Cancel the signed-in user's registration",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, runtime *clientRuntime) error {
			identity, ok := runtime.store.Identity()
			if !ok {
				return errNotSignedIn
			}
			if err := runtime.flow.Unregister(cmd.Context(), args[0], identity.ID); err != nil {
				return err
			}
			printView(cmd.OutOrStdout(), runtime.flow.Snapshot().View, &identity)
			return nil
		}),
	}
}

func printSnapshot(out io.Writer, snapshot session.Snapshot) {
	if snapshot.Message != "" {
		fmt.Fprintln(out, snapshot.Message)
	}
	if snapshot.Error != "" {
		fmt.Fprintln(out, "error:", snapshot.Error)
	}
	if snapshot.Identity == nil {
		fmt.Fprintln(out, "not signed in")
		return
	}
	identity := snapshot.Identity
	fmt.Fprintf(out, "%s <%s> id=%s staff=%t registrations=%d\n",
		identity.Name, identity.Email, identity.ID, identity.IsStaff, len(identity.Events))
}

func printListings(out io.Writer, listings []catalog.Listing, identity *session.Identity) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tDATE\tTITLE\tORGANIZER\tSTATUS\tFILLED\tYOU")
	for _, listing := range listings {
		event := listing.Event
		mine := ""
		if identity != nil && identity.IsRegistered(event.ID) {
			mine = "registered"
		}
		fmt.Fprintf(writer, "%s\t%s %s\t%s\t%s\t%s\t%d%%\t%s\n",
			event.ID, event.Date, event.Time, event.Title, event.Organizer, listing.Status, listing.Progress, mine)
	}
	_ = writer.Flush()
}

func printView(out io.Writer, view *registration.View, identity *session.Identity) {
	if view == nil {
		return
	}
	event := view.Event
	capacity := "unlimited"
	if event.MaxAttendees != nil {
		capacity = fmt.Sprintf("%d", *event.MaxAttendees)
	}
	fmt.Fprintf(out, "%s\n%s %s @ %s\n", event.Title, event.Date, event.Time, event.Location)
	if description := strings.TrimSpace(event.Description); description != "" {
		fmt.Fprintln(out, description)
	}
	fmt.Fprintf(out, "attendees: %d/%s\n", event.CurrentAttendees, capacity)
	switch {
	case view.IsPast(time.Now()):
		fmt.Fprintln(out, "status: past")
	case view.IsFull():
		fmt.Fprintln(out, "status: full")
	default:
		fmt.Fprintln(out, "status: open")
	}
	if identity != nil {
		fmt.Fprintf(out, "registered: %t\n", view.IsRegistered(identity.ID))
	}
}
